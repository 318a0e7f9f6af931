// Package eventlog defines the append-only event log contract and an
// in-memory implementation of it.
//
// The log is the single source of truth for hot-swap history. Append checks
// the per-aggregate version chain before committing; a broken chain is a
// LogIntegrityViolation and halts further writes to that aggregate for the
// life of the log instance. Readers work from snapshots and never block
// writers.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// Log is the event log contract shared by the memory and SQLite logs.
type Log interface {
	// Append commits ev and returns it stamped with its stream position.
	Append(ctx context.Context, ev event.Event) (event.Event, error)

	// ReadStream returns one aggregate's events in version order.
	ReadStream(ctx context.Context, aggregateID string) ([]event.Event, error)

	// ReadAll returns every event with a timestamp at or after since, in
	// stream order. A zero since returns the whole log.
	ReadAll(ctx context.Context, since time.Time) ([]event.Event, error)

	// Head returns the latest event of an aggregate, or a zero Head.
	Head(ctx context.Context, aggregateID string) (event.Head, error)

	// Subscribe delivers every event committed after the call.
	Subscribe() *Subscription
}

// IntegrityError reports a version-chain violation.
type IntegrityError struct {
	AggregateID string
	Err         error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("log integrity violation for %s: %v", e.AggregateID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ErrHalted is wrapped by IntegrityErrors returned for aggregates that were
// already poisoned by an earlier violation.
var ErrHalted = errors.New("writes halted after earlier integrity violation")

// IsIntegrityViolation reports whether err is or wraps an IntegrityError.
func IsIntegrityViolation(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Filter returns the events from events whose timestamp is not before since.
func Filter(events []event.Event, since time.Time) []event.Event {
	if since.IsZero() {
		return events
	}
	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}
