package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/digest"
	"github.com/roach88/hotswap/internal/event"
)

// Result of a rollback attempt.
type Result string

const (
	RestoredCleanly Result = "rolled-back"
	RestoreFailed   Result = "rollback-failed"
)

// Attempt is one audited rollback.
type Attempt struct {
	Unit         string    `json:"unit"`
	RunID        string    `json:"run_id"`
	OriginalHash string    `json:"original_hash"`
	FailedHash   string    `json:"failed_hash"`
	Cause        string    `json:"cause"`
	Result       Result    `json:"result"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func (a Attempt) Succeeded() bool { return a.Result == RestoredCleanly }

// Trail is the in-memory rollback audit trail.
type Trail struct {
	mu       sync.RWMutex
	attempts []Attempt
}

func NewTrail() *Trail {
	return &Trail{}
}

func (t *Trail) Record(a Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = append(t.attempts, a)
}

// All returns every attempt in the order recorded.
func (t *Trail) All() []Attempt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.attempts)
}

// ForUnit returns the attempts for one unit.
func (t *Trail) ForUnit(unit string) []Attempt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Attempt
	for _, a := range t.attempts {
		if a.Unit == unit {
			out = append(out, a)
		}
	}
	return out
}

// Rollbacker restores original artifacts through the port.
type Rollbacker struct {
	port    capability.Port
	timeout time.Duration
	clock   event.Clock
	trail   *Trail
}

func NewRollbacker(port capability.Port, timeout time.Duration, clock event.Clock, trail *Trail) *Rollbacker {
	if clock == nil {
		clock = event.SystemClock{}
	}
	if trail == nil {
		trail = NewTrail()
	}
	return &Rollbacker{port: port, timeout: timeout, clock: clock, trail: trail}
}

// Trail returns the audit trail attempts are written to.
func (r *Rollbacker) Trail() *Trail {
	return r.trail
}

// Restore makes exactly one attempt to put original back. It never retries;
// a failed restore leaves the unit in an indeterminate state that a human
// must resolve.
func (r *Rollbacker) Restore(ctx context.Context, runID string, original artifact.Artifact, failedHash, cause string) Attempt {
	attempt := Attempt{
		Unit:         original.Unit,
		RunID:        runID,
		OriginalHash: original.Hash,
		FailedHash:   failedHash,
		Cause:        cause,
		StartedAt:    r.clock.Now().UTC(),
	}

	var err error
	if original.IsZero() {
		err = fmt.Errorf("no original artifact retained for %s", original.Unit)
	} else {
		var pending *capability.Pending
		pending, err = capability.Invoke(ctx, r.timeout, func(ctx context.Context) error {
			return r.port.ApplyRedefinition(ctx, original.Unit, original.Content)
		})
		if err != nil && !pending.Wait(0) {
			slog.Warn("restore call still running after timeout", "unit", original.Unit, "run", runID)
		}
	}

	attempt.FinishedAt = r.clock.Now().UTC()
	if err != nil {
		attempt.Result = RestoreFailed
		attempt.Error = err.Error()
		slog.Error("rollback failed", "unit", original.Unit, "run", runID, "original", digest.Short(original.Hash), "error", err)
	} else {
		attempt.Result = RestoredCleanly
		slog.Info("rolled back", "unit", original.Unit, "run", runID, "original", digest.Short(original.Hash))
	}
	r.trail.Record(attempt)
	return attempt
}

// Skip records a rollback that could not be attempted, for example because
// the failed apply call never returned.
func (r *Rollbacker) Skip(runID string, original artifact.Artifact, failedHash, cause, reason string) Attempt {
	now := r.clock.Now().UTC()
	attempt := Attempt{
		Unit:         original.Unit,
		RunID:        runID,
		OriginalHash: original.Hash,
		FailedHash:   failedHash,
		Cause:        cause,
		Result:       RestoreFailed,
		Error:        reason,
		StartedAt:    now,
		FinishedAt:   now,
	}
	slog.Error("rollback skipped", "unit", original.Unit, "run", runID, "reason", reason)
	r.trail.Record(attempt)
	return attempt
}
