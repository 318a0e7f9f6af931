package flowstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/hotswap/internal/flow"
)

// Memory is an in-memory Store.
type Memory struct {
	mu         sync.RWMutex
	flows      map[flow.ID]flow.Flow
	detections map[string][]flow.Match
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		flows:      make(map[flow.ID]flow.Flow),
		detections: make(map[string][]flow.Match),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Store(_ context.Context, f flow.Flow) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, found := m.flows[f.ID]
	next, res, write := Plan(existing, found, f)
	if write {
		m.flows[next.ID] = next
	}
	return res, nil
}

func (m *Memory) Get(_ context.Context, id flow.ID) (flow.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flows[id]
	if !ok {
		return flow.Flow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f.Clone(), nil
}

func (m *Memory) GetAll(_ context.Context) ([]flow.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(), nil
}

func (m *Memory) Search(_ context.Context, c flow.Criteria) ([]flow.Flow, error) {
	m.mu.RLock()
	all := m.snapshot()
	m.mu.RUnlock()
	return flow.Filter(all, c)
}

func (m *Memory) GetByMinimumConfidence(ctx context.Context, min float64) ([]flow.Flow, error) {
	out, err := m.Search(ctx, flow.Criteria{MinConfidence: &min})
	if err != nil {
		return nil, err
	}
	ByConfidence(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id flow.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.flows, id)
	return nil
}

func (m *Memory) Statistics(_ context.Context) (flow.Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := flow.Summarise(m.snapshot())
	for _, ms := range m.detections {
		st.Detections += len(ms)
	}
	return st, nil
}

func (m *Memory) ReplaceDetections(_ context.Context, key string, from int64, matches []flow.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := slices.DeleteFunc(m.detections[key], func(d flow.Match) bool { return d.FirstPos >= from })
	kept = append(kept, matches...)
	if len(kept) == 0 {
		delete(m.detections, key)
		return nil
	}
	m.detections[key] = kept
	return nil
}

func (m *Memory) Detections(_ context.Context) ([]flow.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []flow.Match
	for _, ms := range m.detections {
		out = append(out, ms...)
	}
	SortMatches(out)
	return out, nil
}

func (m *Memory) ClearDetections(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.detections)
	return nil
}

// snapshot must be called with the lock held.
func (m *Memory) snapshot() []flow.Flow {
	out := make([]flow.Flow, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, f.Clone())
	}
	flow.SortFlows(out)
	return out
}
