package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/testutil"
)

func rollbackRecovery() Flow {
	return Flow{
		ID:                IDFromName("Rollback Recovery"),
		Name:              "Rollback Recovery",
		Sequence:          []event.Kind{event.ApplyRequested, event.ApplyFailed, event.RolledBack},
		MinimumEventCount: 3,
		MaximumTimeWindow: time.Minute,
		Confidence:        0.9,
		Origin:            OriginSeed,
	}
}

func errorRecovery() Flow {
	return Flow{
		ID:                IDFromName("Error Recovery"),
		Name:              "Error Recovery",
		Sequence:          []event.Kind{event.ApplyFailed},
		MinimumEventCount: 1,
		MaximumTimeWindow: 2 * time.Minute,
		Confidence:        0.85,
		Origin:            OriginSeed,
	}
}

func TestDetectEmpty(t *testing.T) {
	d := NewDetector([]Flow{completeHotSwap()}, NewMatcher(), ByCorrelation)
	res := d.Detect(nil)
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Unmatched)
	assert.Empty(t, res.Skipped)
}

func TestDetectGroupsByCorrelation(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	var events []event.Event
	run1 := b.Run("A", "run-1", happyPath...)
	run2 := b.Run("B", "run-2", event.ArtifactChanged, event.MetadataExtracted)
	// Interleave the two runs.
	for i := range run1 {
		events = append(events, run1[i])
		if i < len(run2) {
			events = append(events, run2[i])
		}
	}
	events = testutil.Positioned(events)

	d := NewDetector([]Flow{completeHotSwap()}, NewMatcher(), ByCorrelation)
	res := d.Detect(events)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "correlation:run-1", res.Matches[0].Key)
	assert.GreaterOrEqual(t, res.Matches[0].Confidence, 0.95)
	require.Len(t, res.Unmatched, 1)
	assert.Equal(t, "correlation:run-2", res.Unmatched[0].Key)
}

func TestDetectResolvesOverlaps(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	events := b.Run("A", "run-1",
		event.ArtifactChanged, event.MetadataExtracted, event.Validated,
		event.ApplyRequested, event.ApplyFailed, event.RolledBack)

	d := NewDetector([]Flow{errorRecovery(), rollbackRecovery()}, NewMatcher(), ByCorrelation)
	res := d.Detect(events)

	// Rollback Recovery matches three events and claims ApplyFailed, so the
	// single-event Error Recovery match is dropped.
	require.Len(t, res.Matches, 1)
	assert.Equal(t, IDFromName("Rollback Recovery"), res.Matches[0].FlowID)
}

func TestResolveOverlapsOrdering(t *testing.T) {
	ms := []Match{
		{FlowID: "c", Confidence: 0.5, EventIDs: []string{"1", "2"}},
		{FlowID: "b", Confidence: 0.9, EventIDs: []string{"2", "3"}},
		{FlowID: "a", Confidence: 0.9, EventIDs: []string{"3", "4"}},
		{FlowID: "d", Confidence: 0.1, EventIDs: []string{"5"}},
	}
	kept := ResolveOverlaps(ms)

	ids := make([]ID, len(kept))
	for i, m := range kept {
		ids[i] = m.FlowID
	}
	// a beats b on id at equal size and confidence; b then overlaps a; c is
	// disjoint from a; d is disjoint from everything.
	assert.Equal(t, []ID{"a", "c", "d"}, ids)
}

func TestDetectSkipsFailingGroup(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Millisecond)
	kinds := make([]event.Kind, 40)
	for i := range kinds {
		kinds[i] = "A"
	}
	events := append(b.Run("U", "big", kinds...), b.Run("V", "small", happyPath...)...)
	f := Flow{ID: "aaab", Name: "aaab", Sequence: []event.Kind{"A", "A", "A", "B"}, MaximumTimeWindow: time.Hour}

	d := NewDetector([]Flow{f, completeHotSwap()}, Matcher{DefaultMaxGap: Unbounded, Budget: 50}, ByCorrelation)
	res := d.Detect(events)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "correlation:big", res.Skipped[0].Key)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "correlation:small", res.Matches[0].Key)
}

func TestGroupEvents(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	a1 := b.Next("A", "X", "r1")
	b1 := b.Next("B", "X", "")
	a2 := b.Next("A", "Y", "r2")
	a2.Metadata = a2.WithUserID("alice")

	byCorr := GroupEvents([]event.Event{a1, b1, a2}, ByCorrelation)
	require.Len(t, byCorr, 3)
	assert.Equal(t, "correlation:r1", byCorr[0].Key)
	assert.Equal(t, "aggregate:B", byCorr[1].Key)

	byAgg := GroupEvents([]event.Event{a1, b1, a2}, ByAggregate)
	require.Len(t, byAgg, 2)
	assert.Len(t, byAgg[0].Events, 2)

	byUser := GroupEvents([]event.Event{a1, b1, a2}, ByUser)
	require.Len(t, byUser, 1)
	assert.Equal(t, "user:alice", byUser[0].Key)
}

func TestParseGroupBy(t *testing.T) {
	g, err := ParseGroupBy("")
	require.NoError(t, err)
	assert.Equal(t, ByCorrelation, g)
	g, err = ParseGroupBy("user")
	require.NoError(t, err)
	assert.Equal(t, ByUser, g)
	_, err = ParseGroupBy("session")
	assert.Error(t, err)
}
