package harness

import (
	"github.com/roach88/hotswap/internal/flow"
)

// TraceEvent is one logged event as the trace reports it.
type TraceEvent struct {
	Seq     int64             `json:"seq"`
	Unit    string            `json:"unit"`
	Version int64             `json:"version"`
	RunID   string            `json:"run_id"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// StepOutcome is how one step's run ended.
type StepOutcome struct {
	Step      int    `json:"step"`
	Unit      string `json:"unit"`
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	ErrorCode string `json:"error_code,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Steps []StepOutcome `json:"steps"`

	// Trace is the full event log in stream order.
	Trace []TraceEvent `json:"trace"`

	Detections []flow.Match `json:"detections"`

	// Unmatched are the correlation keys no flow matched.
	Unmatched []string `json:"unmatched,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepOutcome{},
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
