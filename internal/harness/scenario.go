package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/backend/memory"
	"github.com/roach88/iapsync/internal/connection"
	"github.com/roach88/iapsync/internal/iap"
)

// Scenario is a scripted session against the in-memory billing backend.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario shows.
	Description string `yaml:"description"`

	// Products is the catalogue the simulated store sells.
	Products []Product `yaml:"products"`

	// PageSize limits purchases per history page. Zero returns everything
	// in one page.
	PageSize int `yaml:"page_size,omitempty"`

	// Connection overrides the retry policy.
	Connection *connection.Config `yaml:"connection,omitempty"`

	// Validator scripts the host validator's verdicts.
	Validator ValidatorSpec `yaml:"validator,omitempty"`

	// Steps run in order; the event queue is drained after each one.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the final trace and engine state.
	Assertions []Assertion `yaml:"assertions"`
}

// Product is a catalogue entry of the simulated store.
type Product struct {
	SKU         string          `yaml:"sku"`
	Title       string          `yaml:"title,omitempty"`
	Price       string          `yaml:"price,omitempty"`
	PriceMicros int64           `yaml:"price_micros,omitempty"`
	Currency    string          `yaml:"currency,omitempty"`
	Type        iap.ProductType `yaml:"type"`
}

// ValidatorSpec scripts verdicts per sku. Skus not listed are validated.
type ValidatorSpec struct {
	// Reject lists skus whose orders are invalidated.
	Reject []string `yaml:"reject,omitempty"`
	// Error lists skus for which the validator cannot reach a verdict.
	Error []string `yaml:"error,omitempty"`
	// Disabled runs the engine without a validator.
	Disabled bool `yaml:"disabled,omitempty"`
}

// Step is one scripted action. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	SKU   string `yaml:"sku,omitempty"`
	Token string `yaml:"token,omitempty"`

	// Products is the sku to type map of query_inventory.
	Products map[string]iap.ProductType `yaml:"products,omitempty"`

	// Outcome is the flow result of set_outcome.
	Outcome string `yaml:"outcome,omitempty"`

	// State is the purchase state of deliver and settle_pending. Defaults
	// to purchased.
	State        *iap.PurchaseState `yaml:"state,omitempty"`
	Acknowledged bool               `yaml:"acknowledged,omitempty"`

	// Count is the number of failing connects of fail_next_connects.
	Count int `yaml:"count,omitempty"`

	// Duration is how far advance moves the manual clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Error is the message of set_acknowledge_error and set_consume_error.
	// Empty clears the error.
	Error string `yaml:"error,omitempty"`
}

// Step actions.
const (
	ActionStart               = "start"
	ActionConnect             = "connect"
	ActionDisconnect          = "disconnect"
	ActionResume              = "resume"
	ActionPause               = "pause"
	ActionQueryInventory      = "query_inventory"
	ActionStartOrder          = "start_order"
	ActionSetOutcome          = "set_outcome"
	ActionDeliver             = "deliver"
	ActionSettlePending       = "settle_pending"
	ActionDropConnection      = "drop_connection"
	ActionFailNextConnects    = "fail_next_connects"
	ActionAdvance             = "advance"
	ActionSetAcknowledgeError = "set_acknowledge_error"
	ActionSetConsumeError     = "set_consume_error"
)

// Assertion checks the trace or the final engine state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the trace event name (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Attrs is a subset of the event attributes (trace_contains).
	Attrs map[string]string `yaml:"attrs,omitempty"`

	// Events is the expected relative order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number (trace_count, receipt_count, pending_count).
	Count int `yaml:"count,omitempty"`

	// ProductType limits receipt_count to one category.
	ProductType string `yaml:"product_type,omitempty"`

	// State is the expected connection status (connection_state).
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertReceiptCount    = "receipt_count"
	AssertConnectionState = "connection_state"
	AssertPendingCount    = "pending_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Products) == 0 {
		return fmt.Errorf("products list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.PageSize < 0 {
		return fmt.Errorf("page_size must be non-negative")
	}

	seen := make(map[string]bool, len(s.Products))
	for i, p := range s.Products {
		if p.SKU == "" {
			return fmt.Errorf("products[%d]: sku is required", i)
		}
		if seen[p.SKU] {
			return fmt.Errorf("products[%d]: duplicate sku %q", i, p.SKU)
		}
		seen[p.SKU] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, st *Step) error {
	switch st.Action {
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	case ActionStart, ActionConnect, ActionDisconnect, ActionResume, ActionPause,
		ActionDropConnection, ActionSetAcknowledgeError, ActionSetConsumeError:
	case ActionQueryInventory:
		if len(st.Products) == 0 {
			return fmt.Errorf("steps[%d]: products is required for query_inventory", index)
		}
	case ActionStartOrder, ActionDeliver:
		if st.SKU == "" {
			return fmt.Errorf("steps[%d]: sku is required for %s", index, st.Action)
		}
	case ActionSetOutcome:
		if st.SKU == "" {
			return fmt.Errorf("steps[%d]: sku is required for set_outcome", index)
		}
		if _, err := memory.ParseOutcome(st.Outcome); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case ActionSettlePending:
		if st.Token == "" {
			return fmt.Errorf("steps[%d]: token is required for settle_pending", index)
		}
	case ActionFailNextConnects:
		if st.Count <= 0 {
			return fmt.Errorf("steps[%d]: count must be positive for fail_next_connects", index)
		}
	case ActionAdvance:
		if st.Duration <= 0 {
			return fmt.Errorf("steps[%d]: duration must be positive for advance", index)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	return nil
}

var connectionStates = []string{"disconnected", "connecting", "connected", "closed"}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertReceiptCount, AssertPendingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		if a.ProductType != "" {
			if _, err := iap.ParseProductType(a.ProductType); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertConnectionState:
		if !slices.Contains(connectionStates, a.State) {
			return fmt.Errorf("assertions[%d]: unknown connection state %q", index, a.State)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
