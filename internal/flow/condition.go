package flow

import (
	"fmt"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// ConditionKind names a condition predicate.
type ConditionKind string

const (
	SameUser        ConditionKind = "same-user"
	SameCorrelation ConditionKind = "same-correlation"
	SequentialOrder ConditionKind = "sequential-order"
	Within          ConditionKind = "within"
	AllOf           ConditionKind = "all-of"
)

// Condition is an extra predicate over the matched events. It is data, not a
// closure, so flows stay serialisable and comparable.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// Duration is used by Within.
	Duration time.Duration `json:"duration,omitempty"`

	// All holds the nested conditions of AllOf.
	All []Condition `json:"all,omitempty"`
}

// Validate checks the condition is well formed.
func (c Condition) Validate() error {
	switch c.Kind {
	case SameUser, SameCorrelation, SequentialOrder:
		return nil
	case Within:
		if c.Duration <= 0 {
			return fmt.Errorf("condition within: duration must be positive")
		}
		return nil
	case AllOf:
		if len(c.All) == 0 {
			return fmt.Errorf("condition all-of: needs at least one condition")
		}
		for i, sub := range c.All {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("all-of[%d]: %w", i, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown condition %q", c.Kind)
}

// Holds evaluates the condition over matched events in match order.
func (c Condition) Holds(events []event.Event) bool {
	if len(events) == 0 {
		return false
	}
	switch c.Kind {
	case SameUser:
		user := events[0].UserID
		if user == "" {
			return false
		}
		for _, ev := range events[1:] {
			if ev.UserID != user {
				return false
			}
		}
		return true
	case SameCorrelation:
		corr := events[0].CorrelationID
		if corr == "" {
			return false
		}
		for _, ev := range events[1:] {
			if ev.CorrelationID != corr {
				return false
			}
		}
		return true
	case SequentialOrder:
		for i := 1; i < len(events); i++ {
			if events[i].Timestamp.Before(events[i-1].Timestamp) {
				return false
			}
		}
		return true
	case Within:
		return events[len(events)-1].Timestamp.Sub(events[0].Timestamp) <= c.Duration
	case AllOf:
		for _, sub := range c.All {
			if !sub.Holds(events) {
				return false
			}
		}
		return true
	}
	return false
}

// canonical returns the condition as a canonical-JSON-ready value.
func (c Condition) canonical() map[string]any {
	out := map[string]any{"kind": string(c.Kind)}
	if c.Duration != 0 {
		out["duration_ms"] = c.Duration.Milliseconds()
	}
	if len(c.All) > 0 {
		all := make([]any, len(c.All))
		for i, sub := range c.All {
			all[i] = sub.canonical()
		}
		out["all"] = all
	}
	return out
}
