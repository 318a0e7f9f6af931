package swap

import (
	"errors"
	"fmt"
)

// ErrorCode categorises run failures.
type ErrorCode string

const (
	// CodeValidationRejected: the candidate was never applied.
	CodeValidationRejected ErrorCode = "VALIDATION_REJECTED"

	// CodeCapabilityUnavailable: the runtime cannot redefine units live.
	CodeCapabilityUnavailable ErrorCode = "CAPABILITY_UNAVAILABLE"

	// CodeApplyFailed: the live mutation failed and the original was restored.
	CodeApplyFailed ErrorCode = "APPLY_FAILED"

	// CodeRollbackFailed: restoring the original failed. The unit's live state
	// is indeterminate.
	CodeRollbackFailed ErrorCode = "ROLLBACK_FAILED"

	// CodeLogIntegrityViolation: the event log refused a write because the
	// version chain would break.
	CodeLogIntegrityViolation ErrorCode = "LOG_INTEGRITY_VIOLATION"

	// CodeLogUnavailable: the event log could not be read or written.
	CodeLogUnavailable ErrorCode = "LOG_UNAVAILABLE"

	// CodeSuperseded: a newer notification for the unit replaced the run.
	CodeSuperseded ErrorCode = "SUPERSEDED"
)

// Error is the typed failure attached to a run Outcome.
type Error struct {
	Code    ErrorCode
	Unit    string
	RunID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (unit=%s", e.Code, e.Message, e.Unit)
	if e.RunID != "" {
		msg += ", run=" + e.RunID
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Escalated reports whether the failure needs a human.
func (e *Error) Escalated() bool {
	switch e.Code {
	case CodeRollbackFailed, CodeLogIntegrityViolation, CodeLogUnavailable:
		return true
	}
	return false
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func IsValidationRejected(err error) bool    { return hasCode(err, CodeValidationRejected) }
func IsCapabilityUnavailable(err error) bool { return hasCode(err, CodeCapabilityUnavailable) }
func IsApplyFailed(err error) bool           { return hasCode(err, CodeApplyFailed) }
func IsRollbackFailed(err error) bool        { return hasCode(err, CodeRollbackFailed) }
func IsLogIntegrityViolation(err error) bool { return hasCode(err, CodeLogIntegrityViolation) }
func IsSuperseded(err error) bool            { return hasCode(err, CodeSuperseded) }

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// ErrNotStarted is returned by Submit before Start.
var ErrNotStarted = errors.New("orchestrator not started")
