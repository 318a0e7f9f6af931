package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/testutil"
)

var happyPath = []event.Kind{
	event.ArtifactChanged,
	event.MetadataExtracted,
	event.Validated,
	event.ApplyRequested,
	event.ApplySucceeded,
	event.InstancesConfirmed,
}

func TestMatchCompleteHotSwap(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	group := testutil.Positioned(b.Run("Counter", "run-1", happyPath...))

	m, ok, err := NewMatcher().Match(completeHotSwap(), "k", group)
	require.NoError(t, err)
	require.True(t, ok)

	assert.GreaterOrEqual(t, m.Confidence, 0.95)
	assert.Equal(t, IDFromName("Complete Hot-Swap"), m.FlowID)
	assert.Len(t, m.EventIDs, 6)
	assert.Equal(t, int64(1), m.FirstPos)
	assert.Equal(t, int64(6), m.LastPos)
	assert.Equal(t, 5*time.Second, m.End.Sub(m.Start))
}

func TestMatchPrefixDoesNotMatch(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	group := b.Run("Counter", "run-1", happyPath[:2]...)

	_, ok, err := NewMatcher().Match(completeHotSwap(), "k", group)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchWindowExceeded(t *testing.T) {
	b := testutil.NewChainBuilder(t, 10*time.Second)
	group := b.Run("Counter", "run-1", happyPath...)

	_, ok, err := NewMatcher().Match(completeHotSwap(), "k", group)
	require.NoError(t, err)
	assert.False(t, ok, "50s between first and last matched event")
}

func TestMatchToleratesGaps(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{
		ID: "f", Name: "f", Sequence: []event.Kind{"A", "C"},
		MaximumTimeWindow: time.Minute, Confidence: 0.5,
	}
	group := b.Run("U", "r", "A", "B", "B", "C")

	_, ok, err := NewMatcher().Match(f, "k", group)
	require.NoError(t, err)
	assert.True(t, ok, "unbounded by default")

	_, ok, err = Matcher{DefaultMaxGap: 1}.Match(f, "k", group)
	require.NoError(t, err)
	assert.False(t, ok, "two intervening events exceed a gap of one")

	f.MaxGap = Gap(2)
	_, ok, err = Matcher{DefaultMaxGap: 0}.Match(f, "k", group)
	require.NoError(t, err)
	assert.True(t, ok, "the flow's own bound wins over the default")
}

func TestMatchBacktracksOverGapBound(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{
		ID: "f", Name: "f", Sequence: []event.Kind{"A", "B", "C"},
		MaximumTimeWindow: time.Minute, Confidence: 0.5, MaxGap: Gap(1),
	}
	// Taking the first B leaves C two events away; the second B works.
	group := b.Run("U", "r", "A", "B", "B", "X", "C")

	m, ok, err := NewMatcher().Match(f, "k", group)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{group[0].EventID, group[2].EventID, group[4].EventID}, m.EventIDs)
}

func TestMatchPrefersEarliestStart(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{ID: "f", Name: "f", Sequence: []event.Kind{"A", "B"}, MaximumTimeWindow: time.Minute, Confidence: 0.5}
	group := b.Run("U", "r", "A", "A", "B")

	m, ok, err := NewMatcher().Match(f, "k", group)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, group[0].EventID, m.EventIDs[0])
}

func TestMatchMinimumEventCount(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{ID: "f", Name: "f", Sequence: []event.Kind{"A"}, MinimumEventCount: 3, MaximumTimeWindow: time.Minute}

	_, ok, _ := NewMatcher().Match(f, "k", b.Run("U", "r", "A", "B"))
	assert.False(t, ok)
	_, ok, _ = NewMatcher().Match(f, "k", b.Run("U", "r2", "A", "B", "C"))
	assert.True(t, ok)
}

func TestMatchCondition(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{
		ID: "f", Name: "f", Sequence: []event.Kind{"A", "B"},
		MaximumTimeWindow: time.Minute, Condition: &Condition{Kind: SameUser},
	}
	group := b.Run("U", "r", "A", "B")

	_, ok, _ := NewMatcher().Match(f, "k", group)
	assert.False(t, ok, "events carry no user")

	for i := range group {
		group[i].Metadata = group[i].WithUserID("alice")
	}
	_, ok, _ = NewMatcher().Match(f, "k", group)
	assert.True(t, ok)
}

func TestMatchSearchBudget(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Millisecond)
	f := Flow{ID: "f", Name: "f", Sequence: []event.Kind{"A", "A", "A", "B"}, MaximumTimeWindow: time.Hour}
	kinds := make([]event.Kind, 40)
	for i := range kinds {
		kinds[i] = "A"
	}

	_, _, err := Matcher{DefaultMaxGap: Unbounded, Budget: 50}.Match(f, "k", b.Run("U", "r", kinds...))
	assert.ErrorIs(t, err, ErrSearchBudget)
}

func TestMatchAllFindsDisjointOccurrences(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	f := Flow{ID: "f", Name: "f", Sequence: []event.Kind{"A", "B"}, MaximumTimeWindow: time.Minute, Confidence: 0.5}
	group := b.Run("U", "r", "A", "A", "B", "C", "B", "A")

	ms, err := NewMatcher().MatchAll(f, "k", group)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, []string{group[0].EventID, group[2].EventID}, ms[0].EventIDs)
	assert.Equal(t, []string{group[1].EventID, group[4].EventID}, ms[1].EventIDs)

	m, ok, err := NewMatcher().Match(f, "k", group)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms[0], m)
}
