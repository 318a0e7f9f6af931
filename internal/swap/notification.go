package swap

import (
	"context"
	"time"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/recovery"
	"github.com/roach88/hotswap/internal/validation"
)

// ChangeNotification reports that a unit's artifact changed on disk.
// Delivery is at-least-once.
type ChangeNotification struct {
	UnitID       string    `json:"unit" binding:"required"`
	ArtifactPath string    `json:"artifact_path" binding:"required"`
	DetectedAt   time.Time `json:"detected_at"`
	UserID       string    `json:"user_id,omitempty"`
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	RunID string
	Unit  string
	State State

	// Duplicate is set when the candidate matched the unit's confirmed
	// content. No events are written for duplicates.
	Duplicate bool

	ContentHash string
	Events      []event.Event
	Validation  *validation.Outcome
	Rollback    *recovery.Attempt
	Err         *Error
}

// OK reports whether the run confirmed the update or was a duplicate.
func (o Outcome) OK() bool {
	return o.Err == nil && (o.State == Confirmed || o.Duplicate)
}

// Ticket tracks a submitted notification.
type Ticket struct {
	RunID   string
	done    chan struct{}
	outcome Outcome
}

func newTicket(runID string) *Ticket {
	return &Ticket{RunID: runID, done: make(chan struct{})}
}

func (t *Ticket) complete(o Outcome) {
	t.outcome = o
	close(t.done)
}

// Done is closed when the run has finished.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
