// Package harness replays purchase scenarios against the in-memory billing
// backend and records what the engine did.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario shows"
//	products:
//	  - { sku: coins, type: consumable, price: "$0.99" }
//	  - { sku: pro, type: non_consumable, price: "$4.99" }
//	page_size: 0          # purchases per history page, 0 = unlimited
//	connection:
//	  retry_delay: 5s
//	  max_retries: 3
//	validator:
//	  reject: [pro]       # skus the validator invalidates
//	steps:
//	  - action: start
//	  - action: query_inventory
//	    products: { coins: consumable, pro: non_consumable }
//	  - action: start_order
//	    sku: coins
//	assertions:
//	  - type: receipt_count
//	    count: 1
//	  - type: trace_order
//	    events: [call.consume, receipt]
//
// # Steps
//
//   - start, connect, disconnect, resume, pause: host lifecycle calls
//   - query_inventory: product query for the given sku to type map
//   - start_order: host-started purchase of sku
//   - set_outcome: scripts how flows for sku end (purchased, pending,
//     cancelled, already_owned, error)
//   - deliver: a purchase made outside the app (sku, token, state,
//     acknowledged)
//   - settle_pending: moves a pending purchase to state
//   - drop_connection, fail_next_connects, advance: connection faults and
//     the manual clock
//   - set_acknowledge_error, set_consume_error: make completion calls fail
//
// After every step the harness drains the reconciliation queue on its own
// goroutine, so a run is fully deterministic.
//
// # Trace
//
// Every backend call (call.*), backend callback (callback.*), order
// transition (order.*), receipt, failure and connection error is recorded
// in the order it happened. Attributes are rendered as sorted key=value
// pairs, which makes the text form suitable for golden files.
//
// # Assertion Types
//
//   - trace_contains: an event with the given name and attribute subset exists
//   - trace_order: the given events appear in this relative order
//   - trace_count: an event appears exactly count times
//   - receipt_count: number of receipts, optionally of one product type
//   - connection_state: the final connection status
//   - pending_count: orders still parked in the pending registry
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/consumable.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(context.Background(), scenario)
//	fmt.Print(result.Text())
package harness
