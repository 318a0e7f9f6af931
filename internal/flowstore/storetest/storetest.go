// Package storetest is a behavioural test suite shared by every
// flowstore.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) flowstore.Store

// Run exercises open's store against the Store contract.
func Run(t *testing.T, open Opener) {
	t.Run("StoreAndGet", func(t *testing.T) { testStoreAndGet(t, open(t)) })
	t.Run("Versioning", func(t *testing.T) { testVersioning(t, open(t)) })
	t.Run("Invalid", func(t *testing.T) { testInvalid(t, open(t)) })
	t.Run("GetAllOrder", func(t *testing.T) { testGetAllOrder(t, open(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, open(t)) })
	t.Run("MinimumConfidence", func(t *testing.T) { testMinimumConfidence(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, open(t)) })
	t.Run("Detections", func(t *testing.T) { testDetections(t, open(t)) })
}

// Flow builds a valid flow for tests.
func Flow(name string, confidence float64, kinds ...event.Kind) flow.Flow {
	if len(kinds) == 0 {
		kinds = []event.Kind{event.ApplyRequested, event.ApplyFailed, event.RolledBack}
	}
	return flow.Flow{
		ID:                flow.IDFromName(name),
		Name:              name,
		Description:       name + " pattern",
		Sequence:          kinds,
		MinimumEventCount: len(kinds),
		MaximumTimeWindow: time.Minute,
		Confidence:        confidence,
		Origin:            flow.OriginSeed,
	}
}

func testStoreAndGet(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	f := Flow("Rollback Recovery", 0.9)
	f.MaxGap = flow.Gap(2)
	f.Condition = &flow.Condition{Kind: flow.AllOf, All: []flow.Condition{
		{Kind: flow.SameCorrelation},
		{Kind: flow.Within, Duration: 5 * time.Second},
	}}

	res, err := s.Store(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, flowstore.Result{OK: true, FlowID: f.ID, Version: 1, Message: flowstore.MsgStored}, res)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	f.Version = 1
	assert.Equal(t, f, got)

	_, err = s.Get(ctx, "flow-missing")
	assert.ErrorIs(t, err, flowstore.ErrNotFound)
}

func testVersioning(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	f := Flow("Rollback Recovery", 0.9)

	_, err := s.Store(ctx, f)
	require.NoError(t, err)

	res, err := s.Store(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, flowstore.MsgUnchanged, res.Message)

	f.Confidence = 0.8
	res, err = s.Store(ctx, f)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, flowstore.MsgUpdated, res.Message)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, 2, got.Version)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "versions replace, they do not accumulate")
}

func testInvalid(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	f := Flow("Broken", 1.5)

	res, err := s.Store(ctx, f)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "confidence")

	_, err = s.Get(ctx, f.ID)
	assert.ErrorIs(t, err, flowstore.ErrNotFound)
}

func testGetAllOrder(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	for _, name := range []string{"Charlie", "Alpha", "Bravo"} {
		_, err := s.Store(ctx, Flow(name, 0.5))
		require.NoError(t, err)
	}
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Alpha", all[0].Name)
	assert.Equal(t, "Bravo", all[1].Name)
	assert.Equal(t, "Charlie", all[2].Name)
}

func seedLibrary(t *testing.T, s flowstore.Store) {
	t.Helper()
	flows := []flow.Flow{
		Flow("Complete Hot-Swap", 0.95, event.ArtifactChanged, event.Validated, event.InstancesConfirmed),
		Flow("Rollback Recovery", 0.9),
		Flow("Error Recovery", 0.85, event.ApplyFailed),
		Flow("Learned: ArtifactChanged → RunSuperseded", 0.4, event.ArtifactChanged, event.RunSuperseded),
	}
	flows[3].Origin = flow.OriginLearned
	_, err := flowstore.StoreAll(context.Background(), s, flows)
	require.NoError(t, err)
}

func testSearch(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	seedLibrary(t, s)

	got, err := s.Search(ctx, flow.Criteria{NamePattern: "*RECOVERY"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Search(ctx, flow.Criteria{
		RequiredKinds: []event.Kind{event.ArtifactChanged},
		Origin:        flow.OriginLearned,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, flow.OriginLearned, got[0].Origin)

	got, err = s.Search(ctx, flow.Criteria{ExcludedKinds: []event.Kind{event.ApplyFailed}, MinSequenceLength: 3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Complete Hot-Swap", got[0].Name)
}

func testMinimumConfidence(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	seedLibrary(t, s)

	got, err := s.GetByMinimumConfidence(ctx, 0.85)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 0.95, got[0].Confidence)
	assert.Equal(t, 0.85, got[2].Confidence)

	got, err = s.GetByMinimumConfidence(ctx, 0.99)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDelete(t *testing.T, s flowstore.Store) {
	ctx := context.Background()
	seedLibrary(t, s)

	id := flow.IDFromName("Error Recovery")
	require.NoError(t, s.Delete(ctx, id))
	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, flowstore.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), flowstore.ErrNotFound)

	// A deleted id starts again at version one.
	res, err := s.Store(ctx, Flow("Error Recovery", 0.85, event.ApplyFailed))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
}

func testStatistics(t *testing.T, s flowstore.Store) {
	ctx := context.Background()

	empty, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	seedLibrary(t, s)
	require.NoError(t, s.ReplaceDetections(ctx, "correlation:r1", 0, []flow.Match{match("correlation:r1", "flow-a", 1)}))

	st, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 0.95, st.HighestConfidence)
	assert.Equal(t, 0.4, st.LowestConfidence)
	assert.Equal(t, 3, st.Distribution["0.8-1.0"])
	assert.Equal(t, 1, st.Distribution["0.4-0.6"])
	assert.Equal(t, 3, st.ByOrigin[flow.OriginSeed])
	assert.Equal(t, 1, st.Detections)
}

func match(key string, id flow.ID, first int64) flow.Match {
	start := time.Date(2026, 1, 1, 0, 0, int(first), 0, time.UTC)
	return flow.Match{
		Key:        key,
		FlowID:     id,
		FlowName:   string(id),
		Confidence: 0.9,
		EventIDs:   []string{key + "-a", key + "-b"},
		FirstPos:   first,
		LastPos:    first + 1,
		Start:      start,
		End:        start.Add(time.Second),
	}
}

func testDetections(t *testing.T, s flowstore.Store) {
	ctx := context.Background()

	got, err := s.Detections(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.ReplaceDetections(ctx, "k2", 0, []flow.Match{match("k2", "flow-b", 5), match("k2", "flow-a", 3)}))
	require.NoError(t, s.ReplaceDetections(ctx, "k1", 0, []flow.Match{match("k1", "flow-a", 9)}))

	got, err = s.Detections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, match("k1", "flow-a", 9), got[0])
	assert.Equal(t, match("k2", "flow-a", 3), got[1])
	assert.Equal(t, match("k2", "flow-b", 5), got[2])

	// Instances starting before from are final.
	require.NoError(t, s.ReplaceDetections(ctx, "k2", 4, []flow.Match{match("k2", "flow-c", 7)}))
	got, err = s.Detections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, match("k2", "flow-a", 3), got[1])
	assert.Equal(t, match("k2", "flow-c", 7), got[2])

	require.NoError(t, s.ReplaceDetections(ctx, "k2", 0, nil))
	got, err = s.Detections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.ClearDetections(ctx))
	got, err = s.Detections(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
