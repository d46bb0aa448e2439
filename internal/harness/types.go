package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// TraceEvent is one recorded happening of a scenario run.
type TraceEvent struct {
	Seq   int               `json:"seq"`
	Event string            `json:"event"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// String renders the event as "seq event key=value ..." with sorted keys.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", e.Seq, e.Event)
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		fmt.Fprintf(&b, " %s=%s", k, e.Attrs[k])
	}
	return b.String()
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string `json:"scenario"`

	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the recorded events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed assertion messages.
	Errors []string `json:"errors,omitempty"`

	// Receipts is the number of receipts at the end of the run.
	Receipts int `json:"receipts"`

	// Connection is the final connection status.
	Connection string `json:"connection"`
}

// NewResult creates a new passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Text renders the trace one event per line, prefixed by the scenario name.
// The format is stable and used for golden files.
func (r *Result) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", r.Scenario)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
