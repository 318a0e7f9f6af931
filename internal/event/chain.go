package event

import "fmt"

// ChainError describes the first break in an aggregate's version chain.
type ChainError struct {
	AggregateID string
	Version     int64
	Reason      string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken for %s at version %d: %s", e.AggregateID, e.Version, e.Reason)
}

// CheckLink verifies that next may follow head for the same aggregate.
func CheckLink(head Head, next Metadata) error {
	if next.AggregateType == "" || next.AggregateID == "" {
		return &ChainError{AggregateID: next.AggregateID, Version: next.AggregateVersion, Reason: "missing aggregate identity"}
	}
	if next.EventID == "" {
		return &ChainError{AggregateID: next.AggregateID, Version: next.AggregateVersion, Reason: "missing event id"}
	}
	want := head.Version + 1
	if next.AggregateVersion != want {
		return &ChainError{
			AggregateID: next.AggregateID,
			Version:     next.AggregateVersion,
			Reason:      fmt.Sprintf("expected version %d", want),
		}
	}
	if next.PreviousEventID != head.EventID {
		reason := fmt.Sprintf("previous event %q does not match head %q", next.PreviousEventID, head.EventID)
		if head.Version == 0 {
			reason = "first event must not have a previous event"
		}
		return &ChainError{AggregateID: next.AggregateID, Version: next.AggregateVersion, Reason: reason}
	}
	return nil
}

// VerifyChain checks every aggregate in events, taken in slice order.
// It returns the first break found, or nil.
func VerifyChain(events []Event) error {
	heads := make(map[string]Head)
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if seen[ev.EventID] {
			return &ChainError{AggregateID: ev.AggregateID, Version: ev.AggregateVersion, Reason: fmt.Sprintf("duplicate event id %q", ev.EventID)}
		}
		seen[ev.EventID] = true

		head := heads[ev.AggregateID]
		if err := CheckLink(head, ev.Metadata); err != nil {
			return err
		}
		heads[ev.AggregateID] = Head{EventID: ev.EventID, Version: ev.AggregateVersion}
	}
	return nil
}
