package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/testutil"
)

func appendAll(t *testing.T, log eventlog.Log, events []event.Event) []event.Event {
	t.Helper()
	out := make([]event.Event, len(events))
	for i, ev := range events {
		stamped, err := log.Append(context.Background(), ev)
		require.NoError(t, err)
		out[i] = stamped
	}
	return out
}

func TestEventLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := openTestDB(t).Events()
	b := testutil.NewChainBuilder(t, time.Second)

	a := appendAll(t, log, b.Run("Counter", "run-1", event.ArtifactChanged, event.MetadataExtracted))
	c := appendAll(t, log, b.Run("Timer", "run-2", event.ArtifactChanged))
	a = append(a, appendAll(t, log, b.Run("Counter", "run-1", event.Validated))...)

	assert.Equal(t, []int64{1, 2, 4}, []int64{a[0].StreamPosition, a[1].StreamPosition, a[2].StreamPosition})
	assert.Equal(t, int64(3), c[0].StreamPosition)

	stream, err := log.ReadStream(ctx, "Counter")
	require.NoError(t, err)
	assert.Equal(t, a, stream)
	assert.NoError(t, event.VerifyChain(stream))

	all, err := log.ReadAll(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []event.Kind{event.ArtifactChanged, event.MetadataExtracted, event.ArtifactChanged, event.Validated}, testutil.Kinds(all))

	head, err := log.Head(ctx, "Counter")
	require.NoError(t, err)
	assert.Equal(t, event.Head{EventID: a[2].EventID, Version: 3}, head)

	empty, err := log.Head(ctx, "Unknown")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestEventLog_ReadAllSince(t *testing.T) {
	ctx := context.Background()
	log := openTestDB(t).Events()
	b := testutil.NewChainBuilder(t, time.Minute)

	events := appendAll(t, log, b.Run("Counter", "run-1", event.ArtifactChanged, event.MetadataExtracted, event.Validated))

	got, err := log.ReadAll(ctx, events[1].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, events[1:], got)
}

func TestEventLog_IntegrityViolationHaltsAggregate(t *testing.T) {
	ctx := context.Background()
	log := openTestDB(t).Events()
	b := testutil.NewChainBuilder(t, time.Second)

	first := b.Next("Counter", event.ArtifactChanged, "run-1")
	_, err := log.Append(ctx, first)
	require.NoError(t, err)

	// Replaying the same version is a chain break.
	dup := first
	dup.EventID = "other"
	_, err = log.Append(ctx, dup)
	require.Error(t, err)
	assert.True(t, eventlog.IsIntegrityViolation(err))

	next := b.Next("Counter", event.MetadataExtracted, "run-1")
	_, err = log.Append(ctx, next)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventlog.ErrHalted)

	// Other aggregates are unaffected.
	_, err = log.Append(ctx, b.Next("Timer", event.ArtifactChanged, "run-2"))
	assert.NoError(t, err)
}

func TestEventLog_Subscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := openTestDB(t).Events()
	t.Cleanup(func() { log.Close() })
	b := testutil.NewChainBuilder(t, time.Second)

	sub := log.Subscribe()
	defer sub.Close()

	appended := appendAll(t, log, b.Run("Counter", "run-1", event.ArtifactChanged, event.MetadataExtracted))
	for _, want := range appended {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEventLog_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	b := testutil.NewChainBuilder(t, time.Second)

	db, err := Open(path)
	require.NoError(t, err)
	appendAll(t, db.Events(), b.Run("Counter", "run-1", event.ArtifactChanged, event.MetadataExtracted))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	log := db.Events()

	// The chain continues from the persisted head.
	stamped, err := log.Append(ctx, b.Next("Counter", event.Validated, "run-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stamped.StreamPosition)

	all, err := log.ReadAll(ctx, time.Time{})
	require.NoError(t, err)
	assert.NoError(t, event.VerifyChain(all))
}
