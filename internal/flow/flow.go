package flow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/hotswap/internal/digest"
	"github.com/roach88/hotswap/internal/event"
)

// Origin records where a flow definition came from.
type Origin string

const (
	OriginSeed     Origin = "seed"
	OriginLearned  Origin = "learned"
	OriginDeclared Origin = "declared"
)

// Unbounded disables the gap bound when used as a MaxGap.
const Unbounded = -1

// Flow is an immutable pattern definition. Changing a stored flow means
// storing a new version under the same ID.
type Flow struct {
	ID                ID            `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Sequence          []event.Kind  `json:"sequence"`
	MinimumEventCount int           `json:"minimum_event_count"`
	MaximumTimeWindow time.Duration `json:"maximum_time_window"`
	Confidence        float64       `json:"confidence"`
	Condition         *Condition    `json:"condition,omitempty"`

	// MaxGap bounds the unrelated events tolerated between two consecutive
	// matched events. Nil defers to the matcher default; Unbounded allows
	// any number.
	MaxGap *int `json:"max_gap,omitempty"`

	Version int    `json:"version"`
	Origin  Origin `json:"origin"`
}

// Gap returns a pointer for use as Flow.MaxGap.
func Gap(n int) *int { return &n }

// Validate checks the definition is usable by the matcher.
func (f Flow) Validate() error {
	var errs []error
	if f.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(f.Sequence) == 0 {
		errs = append(errs, errors.New("sequence must not be empty"))
	}
	for i, k := range f.Sequence {
		if k == "" {
			errs = append(errs, fmt.Errorf("sequence[%d] is empty", i))
		}
	}
	if f.MinimumEventCount < 0 {
		errs = append(errs, errors.New("minimum event count must not be negative"))
	}
	if f.MaximumTimeWindow <= 0 {
		errs = append(errs, errors.New("maximum time window must be positive"))
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v outside [0,1]", f.Confidence))
	}
	if f.MaxGap != nil && *f.MaxGap < Unbounded {
		errs = append(errs, fmt.Errorf("max gap %d is invalid", *f.MaxGap))
	}
	if f.Condition != nil {
		if err := f.Condition.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flow %q: %w", f.Name, errors.Join(errs...))
	}
	return nil
}

// ContentHash identifies the definition independently of its version and
// origin, so storing identical content twice is detectable.
func (f Flow) ContentHash() (string, error) {
	seq := make([]any, len(f.Sequence))
	for i, k := range f.Sequence {
		seq[i] = string(k)
	}
	doc := map[string]any{
		"id":                  string(f.ID),
		"name":                f.Name,
		"description":         f.Description,
		"sequence":            seq,
		"minimum_event_count": f.MinimumEventCount,
		"window_ms":           f.MaximumTimeWindow.Milliseconds(),
		"confidence":          f.Confidence,
	}
	if f.Condition != nil {
		doc["condition"] = f.Condition.canonical()
	}
	if f.MaxGap != nil {
		doc["max_gap"] = *f.MaxGap
	}
	return digest.Canonical(digest.DomainFlow, doc)
}

// Clone returns a deep copy.
func (f Flow) Clone() Flow {
	out := f
	out.Sequence = slices.Clone(f.Sequence)
	if f.Condition != nil {
		c := cloneCondition(*f.Condition)
		out.Condition = &c
	}
	if f.MaxGap != nil {
		out.MaxGap = Gap(*f.MaxGap)
	}
	return out
}

func cloneCondition(c Condition) Condition {
	out := c
	if len(c.All) > 0 {
		out.All = make([]Condition, len(c.All))
		for i, sub := range c.All {
			out.All[i] = cloneCondition(sub)
		}
	}
	return out
}

// SortFlows orders flows by ID, which is the order the detector tries them.
func SortFlows(flows []Flow) {
	slices.SortFunc(flows, func(a, b Flow) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
