package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
)

// ChainBuilder builds well-linked event chains for tests.
type ChainBuilder struct {
	t       testing.TB
	factory *event.Factory
	clock   *ManualClock
	heads   map[string]event.Head
}

// NewChainBuilder returns a builder whose events are spaced by step.
func NewChainBuilder(t testing.TB, step time.Duration) *ChainBuilder {
	clock := NewManualClock(step)
	return &ChainBuilder{
		t:       t,
		factory: event.NewFactory(NewSequentialIDs("ev"), clock),
		clock:   clock,
		heads:   make(map[string]event.Head),
	}
}

// Clock exposes the builder's clock so tests can open time gaps.
func (b *ChainBuilder) Clock() *ManualClock {
	return b.clock
}

// Next appends one event of kind to the unit aggregate and returns it. The
// correlation id is set when non-empty.
func (b *ChainBuilder) Next(unit string, kind event.Kind, correlation string) event.Event {
	b.t.Helper()
	meta, err := b.factory.Next(event.AggregateUnit, unit, b.heads[unit])
	require.NoError(b.t, err)
	if correlation != "" {
		meta = meta.WithCorrelationID(correlation)
	}
	b.heads[unit] = event.Head{EventID: meta.EventID, Version: meta.AggregateVersion}
	return event.New(meta, kind, map[string]string{event.KeyRunID: correlation})
}

// Run builds one event per kind for unit, all sharing correlation.
func (b *ChainBuilder) Run(unit, correlation string, kinds ...event.Kind) []event.Event {
	b.t.Helper()
	out := make([]event.Event, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, b.Next(unit, k, correlation))
	}
	return out
}

// Positioned stamps stream positions 1..n onto events in slice order.
func Positioned(events []event.Event) []event.Event {
	out := make([]event.Event, len(events))
	for i, ev := range events {
		out[i] = ev.WithStreamPosition(int64(i + 1))
	}
	return out
}

// Kinds lists the kinds of events in order.
func Kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
