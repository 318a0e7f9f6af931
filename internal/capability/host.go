package capability

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/hotswap/internal/digest"
)

// Call records one ApplyRedefinition invocation on a Host.
type Call struct {
	Unit string
	Hash string
}

type liveUnit struct {
	content   []byte
	instances int64
	hidden    bool
}

// Host is an in-memory simulated runtime. Faults can be scripted per unit so
// callers can drive every error path of the orchestrator.
//
// Safe for concurrent use.
type Host struct {
	mu        sync.Mutex
	supported bool
	units     map[string]*liveUnit

	applyFaults     map[string][]error
	footprintFaults map[string]error
	hideAfterApply  map[string]bool
	delays          map[string]time.Duration
	calls           []Call
	inFlight        map[string]bool
	reentered       []string
}

// NewHost returns a Host that supports redefinition.
func NewHost() *Host {
	return &Host{
		supported:       true,
		units:           make(map[string]*liveUnit),
		applyFaults:     make(map[string][]error),
		footprintFaults: make(map[string]error),
		hideAfterApply:  make(map[string]bool),
		delays:          make(map[string]time.Duration),
		inFlight:        make(map[string]bool),
	}
}

// SetSupported toggles live redefinition support.
func (h *Host) SetSupported(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.supported = ok
}

// Load makes unit resident with content and the given instance count.
func (h *Host) Load(unit string, content []byte, instances int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.units[unit] = &liveUnit{content: slices.Clone(content), instances: instances}
}

// FailApply queues results for the next ApplyRedefinition calls on unit.
// A nil entry lets that call succeed.
func (h *Host) FailApply(unit string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyFaults[unit] = append(h.applyFaults[unit], errs...)
}

// FailFootprint makes InstanceFootprint fail for unit until cleared with nil.
func (h *Host) FailFootprint(unit string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.footprintFaults, unit)
		return
	}
	h.footprintFaults[unit] = err
}

// HideAfterApply drops unit from LoadedUnits after its next successful apply.
func (h *Host) HideAfterApply(unit string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hideAfterApply[unit] = true
}

// Delay makes the next ApplyRedefinition on unit take d, or until ctx is
// done.
func (h *Host) Delay(unit string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delays[unit] = d
}

func (h *Host) RedefinitionSupported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.supported
}

func (h *Host) ApplyRedefinition(ctx context.Context, unit string, candidate []byte) error {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Unit: unit, Hash: digest.Artifact(candidate)})
	if h.inFlight[unit] {
		h.reentered = append(h.reentered, unit)
	}
	h.inFlight[unit] = true
	delay := h.delays[unit]
	delete(h.delays, unit)
	var fault error
	if q := h.applyFaults[unit]; len(q) > 0 {
		fault = q[0]
		h.applyFaults[unit] = q[1:]
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inFlight[unit] = false
		h.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fault != nil {
		return fault
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.units[unit]
	if !ok {
		return fmt.Errorf("apply %s: %w", unit, ErrUnitNotLoaded)
	}
	u.content = slices.Clone(candidate)
	if h.hideAfterApply[unit] {
		u.hidden = true
		delete(h.hideAfterApply, unit)
	} else {
		u.hidden = false
	}
	return nil
}

func (h *Host) LoadedUnits(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.units))
	for name, u := range h.units {
		if !u.hidden {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

// InstanceFootprint reports instances times artifact size.
func (h *Host) InstanceFootprint(ctx context.Context, unit string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.footprintFaults[unit]; err != nil {
		return 0, err
	}
	u, ok := h.units[unit]
	if !ok || u.hidden {
		return 0, fmt.Errorf("footprint %s: %w", unit, ErrUnitNotLoaded)
	}
	return u.instances * int64(len(u.content)), nil
}

func (h *Host) CurrentArtifact(ctx context.Context, unit string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.units[unit]
	if !ok {
		return nil, fmt.Errorf("current artifact %s: %w", unit, ErrUnitNotLoaded)
	}
	return slices.Clone(u.content), nil
}

// Calls returns every ApplyRedefinition call in order.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallsFor returns the ApplyRedefinition calls made for unit.
func (h *Host) CallsFor(unit string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if c.Unit == unit {
			out = append(out, c)
		}
	}
	return out
}

// Reentered lists units whose ApplyRedefinition was entered while a previous
// call for the same unit was still running.
func (h *Host) Reentered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.reentered)
}

// Content returns the artifact unit is currently running, or nil.
func (h *Host) Content(unit string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok := h.units[unit]; ok {
		return slices.Clone(u.content)
	}
	return nil
}
