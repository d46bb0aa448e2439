// Package backend defines the seam between the reconciliation engine and a
// store's billing SDK.
//
// A Backend adapter translates one store's API into a small, closed set of
// results delivered through Listener: connection results, product data,
// purchase-flow results and purchase updates. Each result carries a Status
// that the adapter has already mapped from the store's own response codes,
// so several stores can share one engine.
//
// Calls that start remote work (Connect, QueryProducts, QueryPurchases,
// LaunchPurchaseFlow) return only immediate failures; their outcome always
// arrives through the Listener. Acknowledge, Consume and MarkUnavailable
// block until the store answers and are only ever called off the engine's
// event loop.
package backend
