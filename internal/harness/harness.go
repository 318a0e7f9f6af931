package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/hotswap/internal/analysis"
	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/compiler"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/swap"
	"github.com/roach88/hotswap/internal/testutil"
)

// stepTimeout bounds how long a single step may run.
const stepTimeout = 10 * time.Second

// Harness holds the collaborators of one scenario run.
type Harness struct {
	scenario *Scenario
	log      *eventlog.MemoryLog
	host     *capability.Host
	source   *artifact.MemorySource
	orch     *swap.Orchestrator
	library  *analysis.Service
	rendered map[string][]byte
}

// Run executes a scenario in a fresh in-memory world and returns the result.
// The error return is reserved for failures of the harness itself; a
// scenario whose expectations do not hold returns a result with Pass false.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.orch.Stop()

	result := NewResult()
	for i, step := range scenario.Steps {
		out, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		so := StepOutcome{
			Step:      i + 1,
			Unit:      out.Unit,
			RunID:     out.RunID,
			State:     string(out.State),
			Duplicate: out.Duplicate,
		}
		if out.Err != nil {
			so.ErrorCode = string(out.Err.Code)
		}
		result.Steps = append(result.Steps, so)
		checkExpect(result, so, step.Expect)
	}
	h.orch.Stop()

	events, err := h.log.ReadAll(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	for _, ev := range events {
		result.Trace = append(result.Trace, TraceEvent{
			Seq:     ev.StreamPosition,
			Unit:    ev.AggregateID,
			Version: ev.AggregateVersion,
			RunID:   ev.CorrelationID,
			Kind:    string(ev.Kind),
			Payload: ev.Payload,
		})
	}

	detected, err := h.library.Batch(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to detect flows: %w", err)
	}
	result.Detections = detected.Matches
	for _, g := range detected.Unmatched {
		result.Unmatched = append(result.Unmatched, g.Key)
	}

	actx := &AssertionContext{Host: h.host, Orchestrator: h.orch, Artifacts: h.rendered}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: s,
		log:      eventlog.NewMemoryLog(),
		host:     capability.NewHost(),
		source:   artifact.NewMemorySource(),
		rendered: make(map[string][]byte, len(s.Artifacts)),
	}
	h.host.SetSupported(!s.Unsupported)

	for name, spec := range s.Artifacts {
		content, err := spec.Render()
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
		h.rendered[name] = content
		h.source.Put(name, content)
	}

	h.orch = swap.New(h.log, h.host, h.source,
		swap.WithEventIDs(testutil.NewSequentialIDs("ev")),
		swap.WithRunIDs(testutil.NewSequentialIDs("run")),
		swap.WithClock(testutil.NewManualClock(time.Second)),
		swap.WithApplyTimeout(stepTimeout),
		swap.WithDrainTimeout(stepTimeout),
		swap.WithAlerter(swap.AlertFunc(func(context.Context, swap.Alert) {})),
	)
	for _, u := range s.Units {
		content := h.rendered[u.Artifact]
		instances := u.Instances
		if instances == 0 {
			instances = 1
		}
		h.host.Load(u.Name, content, instances)
		h.orch.Register(u.Name, u.Artifact, content)
	}
	if err := h.orch.Start(ctx); err != nil {
		return nil, err
	}

	h.library = analysis.New(h.log, flowstore.NewMemory(), analysis.WithWorkers(1))
	seeds, err := compiler.Seeds()
	if err != nil {
		h.orch.Stop()
		return nil, fmt.Errorf("failed to compile seed flows: %w", err)
	}
	if _, err := h.library.Seed(ctx, seeds); err != nil {
		h.orch.Stop()
		return nil, fmt.Errorf("failed to seed flows: %w", err)
	}
	return h, nil
}

// execute injects the step's faults, submits its notification and waits for
// the run to end. Escalated failures are outcomes here, not errors.
func (h *Harness) execute(ctx context.Context, step Step) (swap.Outcome, error) {
	unit := h.scenario.unitOf(step)
	if f := step.Faults; f != nil {
		for _, msg := range f.ApplyErrors {
			var err error
			if msg != "" {
				err = errors.New(msg)
			}
			h.host.FailApply(unit, err)
		}
		if f.FootprintError != "" {
			h.host.FailFootprint(unit, errors.New(f.FootprintError))
		}
		if f.HideAfterApply {
			h.host.HideAfterApply(unit)
		}
	}

	t, err := h.orch.Submit(swap.ChangeNotification{UnitID: unit, ArtifactPath: step.Notify, UserID: step.User})
	if err != nil {
		return swap.Outcome{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	out, err := t.Wait(wctx)
	if f := step.Faults; f != nil && f.FootprintError != "" {
		h.host.FailFootprint(unit, nil)
	}
	return out, err
}

func checkExpect(result *Result, got StepOutcome, want *Expect) {
	if want == nil {
		return
	}
	if got.State != want.State {
		result.AddError(fmt.Sprintf("step %d: state %s, want %s", got.Step, got.State, want.State))
	}
	if got.ErrorCode != want.ErrorCode {
		result.AddError(fmt.Sprintf("step %d: error code %q, want %q", got.Step, got.ErrorCode, want.ErrorCode))
	}
	if got.Duplicate != want.Duplicate {
		result.AddError(fmt.Sprintf("step %d: duplicate %t, want %t", got.Step, got.Duplicate, want.Duplicate))
	}
}
