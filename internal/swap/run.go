package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/digest"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/recovery"
	"github.com/roach88/hotswap/internal/validation"
)

// recorder writes one run's events and tracks its state.
type recorder struct {
	o     *Orchestrator
	runID string
	unit  string
	user  string

	machine machine
	head    event.Head
	prev    string
	events  []event.Event

	// logErr is the first append failure. Once set, no further appends
	// are attempted for the run.
	logErr *Error
}

// emit advances the state machine and appends the event that records the
// transition.
func (r *recorder) emit(ctx context.Context, kind event.Kind, payload map[string]string) error {
	if err := r.machine.fire(kind); err != nil {
		panic(fmt.Sprintf("swap: %v", err))
	}
	if r.logErr != nil {
		return r.logErr
	}

	meta, err := r.o.factory.Next(event.AggregateUnit, r.unit, r.head)
	if err != nil {
		return r.fail(ctx, CodeLogUnavailable, "building event metadata", err)
	}
	meta = meta.WithCorrelationID(r.runID)
	if r.prev != "" {
		meta = meta.WithCausationID(r.prev)
	}
	if r.user != "" {
		meta = meta.WithUserID(r.user)
	}
	if payload == nil {
		payload = map[string]string{}
	}
	payload[event.KeyRunID] = r.runID

	stamped, err := r.o.log.Append(ctx, event.New(meta, kind, payload))
	if err != nil {
		if eventlog.IsIntegrityViolation(err) {
			return r.fail(ctx, CodeLogIntegrityViolation, fmt.Sprintf("appending %s", kind), err)
		}
		return r.fail(ctx, CodeLogUnavailable, fmt.Sprintf("appending %s", kind), err)
	}

	r.head = event.Head{EventID: stamped.EventID, Version: stamped.AggregateVersion}
	r.prev = stamped.EventID
	r.events = append(r.events, stamped)
	slog.Debug("transition", "unit", r.unit, "run", r.runID, "kind", string(kind), "state", string(r.machine.state))
	return nil
}

// fail records the run's log failure and raises an alert for it.
func (r *recorder) fail(ctx context.Context, code ErrorCode, msg string, err error) *Error {
	r.logErr = &Error{Code: code, Unit: r.unit, RunID: r.runID, Message: msg, Err: err}
	slog.Error("event log failure", "unit", r.unit, "run", r.runID, "code", string(code), "error", err)
	r.o.alerter.Alert(ctx, Alert{Code: code, Unit: r.unit, RunID: r.runID, Message: r.logErr.Error()})
	return r.logErr
}

func (r *recorder) outcome(hash string, err *Error) Outcome {
	return Outcome{
		RunID:       r.runID,
		Unit:        r.unit,
		State:       r.machine.state,
		ContentHash: hash,
		Events:      r.events,
		Err:         err,
	}
}

// run executes the pipeline for one notification. Called only from the
// unit's lane worker.
func (o *Orchestrator) run(ctl *runControl, runID string, n ChangeNotification) Outcome {
	ctx := ctl.ctx
	// Reads and appends must finish even if the run is superseded; the
	// cancellation is only observed at checkpoints.
	ioCtx := context.WithoutCancel(ctx)
	unit := n.UnitID

	content, readErr := o.source.Read(ioCtx, n.ArtifactPath)
	candidate := artifact.New(unit, n.ArtifactPath, content)
	if readErr != nil {
		candidate.Hash = ""
	}

	ctl.setCandidate(candidate.Hash)

	if candidate.Hash != "" && candidate.Hash == o.keeper.LiveHash(unit) {
		slog.Info("duplicate notification ignored", "unit", unit, "run", runID, "hash", digest.Short(candidate.Hash))
		return Outcome{RunID: runID, Unit: unit, State: Idle, Duplicate: true, ContentHash: candidate.Hash}
	}

	r := &recorder{o: o, runID: runID, unit: unit, user: n.UserID, machine: machine{state: Idle}}
	head, err := o.log.Head(ioCtx, unit)
	if err != nil {
		return r.outcome(candidate.Hash, r.fail(ioCtx, CodeLogUnavailable, "reading aggregate head", err))
	}
	r.head = head

	changed := map[string]string{
		event.KeyArtifactPath: n.ArtifactPath,
		event.KeyContentHash:  candidate.Hash,
	}
	if !n.DetectedAt.IsZero() {
		changed[event.KeyDetectedAt] = n.DetectedAt.UTC().Format(time.RFC3339Nano)
	}
	if readErr != nil {
		changed[event.KeyError] = readErr.Error()
	}
	if err := r.emit(ioCtx, event.ArtifactChanged, changed); err != nil {
		return r.outcome(candidate.Hash, r.logErr)
	}

	if !o.port.RedefinitionSupported() {
		if err := r.emit(ioCtx, event.CapabilityUnavailable, map[string]string{
			event.KeyReason: "capability unavailable",
		}); err != nil {
			return r.outcome(candidate.Hash, r.logErr)
		}
		slog.Warn("live redefinition unsupported", "unit", unit, "run", runID)
		return r.outcome(candidate.Hash, &Error{
			Code: CodeCapabilityUnavailable, Unit: unit, RunID: runID,
			Message: "capability unavailable",
		})
	}

	baseline := o.baseline(ioCtx, unit)
	if err := r.emit(ioCtx, event.MetadataExtracted, map[string]string{
		event.KeyContentHash:  candidate.Hash,
		event.KeyBaselineHash: baseline.Hash,
	}); err != nil {
		return r.outcome(candidate.Hash, r.logErr)
	}

	if out, stop := o.checkpoint(ioCtx, ctl, r, candidate.Hash, false); stop {
		return out
	}

	var verdict validation.Outcome
	if readErr != nil {
		verdict = validation.Outcome{Unit: unit, Verdict: validation.Reject, Violations: []validation.Violation{{
			Category: validation.Unparseable, Subject: "candidate", Detail: readErr.Error(),
		}}}
	} else {
		verdict = o.validator.Check(unit, baseline.Content, candidate.Content)
	}

	if !verdict.Accepted() {
		if err := r.emit(ioCtx, event.ValidationRejected, map[string]string{
			event.KeyReason:     "validation rejected",
			event.KeyViolations: verdict.Summary(),
		}); err != nil {
			out := r.outcome(candidate.Hash, r.logErr)
			out.Validation = &verdict
			return out
		}
		slog.Info("candidate rejected", "unit", unit, "run", runID, "violations", verdict.Summary())
		out := r.outcome(candidate.Hash, &Error{
			Code: CodeValidationRejected, Unit: unit, RunID: runID, Message: verdict.Summary(),
		})
		out.Validation = &verdict
		return out
	}
	if err := r.emit(ioCtx, event.Validated, map[string]string{event.KeyContentHash: candidate.Hash}); err != nil {
		out := r.outcome(candidate.Hash, r.logErr)
		out.Validation = &verdict
		return out
	}

	if out, stop := o.checkpoint(ioCtx, ctl, r, candidate.Hash, true); stop {
		out.Validation = &verdict
		return out
	}

	out := o.apply(ioCtx, r, baseline, candidate)
	out.Validation = &verdict
	return out
}

// checkpoint ends the run with RunSuperseded if a newer notification has
// replaced it. With final set it also marks the point of no return.
func (o *Orchestrator) checkpoint(ctx context.Context, ctl *runControl, r *recorder, hash string, final bool) (Outcome, bool) {
	var reason string
	if final {
		var ok bool
		if reason, ok = ctl.beginApply(o.supersede); ok {
			return Outcome{}, false
		}
	} else {
		reason = ctl.superseded(o.supersede)
		if reason == "" {
			return Outcome{}, false
		}
	}

	if err := r.emit(ctx, event.RunSuperseded, map[string]string{event.KeySupersededBy: reason}); err != nil {
		return r.outcome(hash, r.logErr), true
	}
	slog.Info("run superseded", "unit", r.unit, "run", r.runID, "reason", reason)
	return r.outcome(hash, &Error{Code: CodeSuperseded, Unit: r.unit, RunID: r.runID, Message: reason}), true
}

// baseline returns the rollback baseline for unit. Units the keeper has not
// seen are seeded from the port when it can report the running artifact.
func (o *Orchestrator) baseline(ctx context.Context, unit string) artifact.Artifact {
	if a, ok := o.keeper.Baseline(unit); ok {
		return a
	}
	reader, ok := o.port.(capability.ArtifactReader)
	if !ok {
		return artifact.Artifact{Unit: unit}
	}
	content, err := reader.CurrentArtifact(ctx, unit)
	if err != nil || len(content) == 0 {
		slog.Warn("no baseline available", "unit", unit, "error", err)
		return artifact.Artifact{Unit: unit}
	}
	a := artifact.New(unit, "", content)
	o.keeper.Register(a)
	return a
}

// apply runs from Accepted to a terminal state. It never returns early:
// once the port has been asked to apply, the run must end Confirmed or
// Failed even if the log stops accepting events.
func (o *Orchestrator) apply(ctx context.Context, r *recorder, baseline, candidate artifact.Artifact) Outcome {
	unit := r.unit
	_ = r.emit(ctx, event.ApplyRequested, map[string]string{
		event.KeyContentHash:  candidate.Hash,
		event.KeyBaselineHash: baseline.Hash,
	})

	pending, applyErr := capability.Invoke(ctx, o.applyTimeout, func(ctx context.Context) error {
		return o.port.ApplyRedefinition(ctx, unit, candidate.Content)
	})

	var cause string
	if applyErr == nil {
		_ = r.emit(ctx, event.ApplySucceeded, map[string]string{event.KeyContentHash: candidate.Hash})

		footprint, verifyErr := o.verify(ctx, unit)
		if verifyErr == nil {
			_ = r.emit(ctx, event.InstancesConfirmed, map[string]string{
				event.KeyFootprint: strconv.FormatInt(footprint, 10),
			})
			o.keeper.Confirm(candidate)
			slog.Info("hot-swap confirmed", "unit", unit, "run", r.runID, "hash", digest.Short(candidate.Hash))
			return r.outcome(candidate.Hash, r.logErr)
		}
		cause = "verification failed: " + verifyErr.Error()
		_ = r.emit(ctx, event.VerificationFailed, map[string]string{event.KeyError: verifyErr.Error()})
	} else {
		reason := "error"
		if errors.Is(applyErr, capability.ErrTimeout) {
			reason = "timeout"
		}
		cause = "apply failed: " + applyErr.Error()
		_ = r.emit(ctx, event.ApplyFailed, map[string]string{
			event.KeyReason: reason,
			event.KeyError:  applyErr.Error(),
		})
	}
	slog.Warn("rolling back", "unit", unit, "run", r.runID, "cause", cause)

	var attempt recovery.Attempt
	if pending.Wait(o.drainTimeout) {
		attempt = o.rollback.Restore(ctx, r.runID, baseline, candidate.Hash, cause)
	} else {
		attempt = o.rollback.Skip(r.runID, baseline, candidate.Hash, cause,
			fmt.Sprintf("apply call still running after %s; restore not attempted", o.drainTimeout))
	}

	var runErr *Error
	if attempt.Succeeded() {
		_ = r.emit(ctx, event.RolledBack, map[string]string{
			event.KeyBaselineHash: baseline.Hash,
			event.KeyReason:       cause,
		})
		runErr = &Error{Code: CodeApplyFailed, Unit: unit, RunID: r.runID, Message: cause, Err: applyErr}
	} else {
		_ = r.emit(ctx, event.RollbackFailed, map[string]string{
			event.KeyBaselineHash: baseline.Hash,
			event.KeyReason:       cause,
			event.KeyError:        attempt.Error,
		})
		runErr = &Error{
			Code: CodeRollbackFailed, Unit: unit, RunID: r.runID,
			Message: fmt.Sprintf("restore failed after %s: %s", cause, attempt.Error),
		}
		o.alerter.Alert(ctx, Alert{Code: CodeRollbackFailed, Unit: unit, RunID: r.runID, Message: runErr.Message})
	}
	if r.logErr != nil {
		runErr = r.logErr
	}

	out := r.outcome(candidate.Hash, runErr)
	out.Rollback = &attempt
	return out
}

// verify checks the unit is still enumerable and its instances can be
// introspected after an apply.
func (o *Orchestrator) verify(ctx context.Context, unit string) (int64, error) {
	var units []string
	if _, err := capability.Invoke(ctx, o.applyTimeout, func(ctx context.Context) error {
		var err error
		units, err = o.port.LoadedUnits(ctx)
		return err
	}); err != nil {
		return 0, fmt.Errorf("listing loaded units: %w", err)
	}
	if !slices.Contains(units, unit) {
		return 0, fmt.Errorf("unit %s not loaded after apply", unit)
	}

	var footprint int64
	if _, err := capability.Invoke(ctx, o.applyTimeout, func(ctx context.Context) error {
		var err error
		footprint, err = o.port.InstanceFootprint(ctx, unit)
		return err
	}); err != nil {
		return 0, fmt.Errorf("instance footprint: %w", err)
	}
	return footprint, nil
}
