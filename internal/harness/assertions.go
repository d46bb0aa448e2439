package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/iapsync/internal/iap"
)

// FinalState is the engine state assertions are checked against.
type FinalState struct {
	Receipts   map[string]iap.Receipt
	Connection iap.ConnectionStatus
	Pending    int
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// assertTraceContains checks that some event has the given name and
// carries every expected attribute.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Event == a.Event && matchAttrs(event.Attrs, a.Attrs) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a.Event, a.Attrs),
		Actual:   "no matching event",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events occur in the given relative
// order. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Events) && event.Event == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("%q not found after %s", a.Events[next], strings.Join(a.Events[:next], " -> ")),
		Trace:    trace,
	}
}

// assertTraceCount checks that the event occurs exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if event.Event == a.Event && matchAttrs(event.Attrs, a.Attrs) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s x%d", describe(a.Event, a.Attrs), a.Count),
		Actual:   fmt.Sprintf("x%d", n),
		Trace:    trace,
	}
}

func assertReceiptCount(st FinalState, a Assertion) error {
	n := len(st.Receipts)
	if a.ProductType != "" {
		t, err := iap.ParseProductType(a.ProductType)
		if err != nil {
			return err
		}
		n = 0
		for _, r := range st.Receipts {
			if r.Type == t {
				n++
			}
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertReceiptCount,
		Expected: fmt.Sprintf("%d receipts", a.Count),
		Actual:   fmt.Sprintf("%d receipts", n),
	}
}

func matchAttrs(actual, expected map[string]string) bool {
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func describe(event string, attrs map[string]string) string {
	return strings.TrimPrefix(TraceEvent{Event: event, Attrs: attrs}.String(), "0 ")
}

// EvaluateAssertions evaluates all assertions against the result and the
// final engine state. Returns a slice of error messages for failed
// assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, st FinalState) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertReceiptCount:
			err = assertReceiptCount(st, a)
		case AssertConnectionState:
			if got := st.Connection.String(); got != a.State {
				err = &AssertionError{Type: a.Type, Expected: a.State, Actual: got}
			}
		case AssertPendingCount:
			if st.Pending != a.Count {
				err = &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("%d pending", a.Count),
					Actual:   fmt.Sprintf("%d pending", st.Pending),
				}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
