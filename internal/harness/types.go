package harness

import "github.com/roach88/tillsync/internal/ir"

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int      `json:"seq"`
	Op     string   `json:"op"`
	Device string   `json:"device,omitempty"`
	Target string   `json:"target,omitempty"`
	Events []string `json:"events,omitempty"`
	Detail string   `json:"detail,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State maps replica, then aggregate, to the computed field values.
	State map[string]map[string]map[string]ir.IRValue `json:"-"`

	// OpenConflicts maps replica to its number of open conflicts.
	OpenConflicts map[string]int `json:"open_conflicts"`
}

// NewResult creates a passing, empty result.
func NewResult() *Result {
	return &Result{
		Pass:          true,
		Trace:         []TraceEvent{},
		Errors:        []string{},
		State:         make(map[string]map[string]map[string]ir.IRValue),
		OpenConflicts: make(map[string]int),
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
