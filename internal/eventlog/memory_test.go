package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/testutil"
)

func appendAll(t *testing.T, l Log, events []event.Event) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		stamped, err := l.Append(context.Background(), ev)
		require.NoError(t, err)
		out = append(out, stamped)
	}
	return out
}

func TestMemoryLog_AppendAssignsPositions(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	l := NewMemoryLog()

	events := appendAll(t, l, []event.Event{
		b.Next("A", event.ArtifactChanged, "r1"),
		b.Next("B", event.ArtifactChanged, "r2"),
		b.Next("A", event.MetadataExtracted, "r1"),
	})

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.StreamPosition)
	}

	stream, err := l.ReadStream(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{event.ArtifactChanged, event.MetadataExtracted}, testutil.Kinds(stream))
	require.NoError(t, event.VerifyChain(stream))

	head, err := l.Head(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.Version)
	assert.Equal(t, stream[1].EventID, head.EventID)

	head, err = l.Head(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestMemoryLog_ReadAllSince(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	l := NewMemoryLog()
	events := appendAll(t, l, b.Run("A", "r1", event.ArtifactChanged, event.MetadataExtracted, event.Validated))

	all, err := l.ReadAll(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := l.ReadAll(context.Background(), events[1].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{event.MetadataExtracted, event.Validated}, testutil.Kinds(recent))
}

func TestMemoryLog_IntegrityViolationHaltsAggregate(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	l := NewMemoryLog()
	ctx := context.Background()

	first := b.Next("A", event.ArtifactChanged, "r1")
	second := b.Next("A", event.MetadataExtracted, "r1")
	third := b.Next("A", event.Validated, "r1")

	_, err := l.Append(ctx, first)
	require.NoError(t, err)

	// Skipping version 2 breaks the chain.
	_, err = l.Append(ctx, third)
	require.Error(t, err)
	assert.True(t, IsIntegrityViolation(err))
	var chainErr *event.ChainError
	assert.True(t, errors.As(err, &chainErr))

	// Even a well-formed event is refused once the aggregate is poisoned.
	_, err = l.Append(ctx, second)
	assert.True(t, IsIntegrityViolation(err))
	assert.ErrorIs(t, err, ErrHalted)

	// Other aggregates are unaffected.
	_, err = l.Append(ctx, b.Next("B", event.ArtifactChanged, "r2"))
	assert.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}

func TestMemoryLog_DuplicateVersionRejected(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	l := NewMemoryLog()
	ev := b.Next("A", event.ArtifactChanged, "r1")

	_, err := l.Append(context.Background(), ev)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), ev)
	assert.True(t, IsIntegrityViolation(err))
}

func TestMemoryLog_Subscribe(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	l := NewMemoryLog()
	ctx := context.Background()

	before := b.Next("A", event.ArtifactChanged, "r1")
	_, err := l.Append(ctx, before)
	require.NoError(t, err)

	sub := l.Subscribe()
	defer sub.Close()

	after := appendAll(t, l, b.Run("A", "r1", event.MetadataExtracted, event.Validated))

	got1, err := sub.Next(ctx)
	require.NoError(t, err)
	got2, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, []event.Event{got1, got2})
	assert.Zero(t, sub.Pending())

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = sub.Next(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLog_CloseEndsSubscriptions(t *testing.T) {
	l := NewMemoryLog()
	sub := l.Subscribe()
	require.NoError(t, l.Close())

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryLog_ConcurrentReadersAndWriters(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Millisecond)
	l := NewMemoryLog()
	ctx := context.Background()

	const units = 4
	const perUnit = 25
	batches := make([][]event.Event, units)
	for u := range units {
		unit := string(rune('A' + u))
		for range perUnit {
			batches[u] = append(batches[u], b.Next(unit, event.ArtifactChanged, unit))
		}
	}

	var wg sync.WaitGroup
	for u := range units {
		wg.Add(1)
		go func(evs []event.Event) {
			defer wg.Done()
			for _, ev := range evs {
				_, err := l.Append(ctx, ev)
				assert.NoError(t, err)
			}
		}(batches[u])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			snapshot, err := l.ReadAll(ctx, time.Time{})
			assert.NoError(t, err)
			for i, ev := range snapshot {
				assert.Equal(t, int64(i+1), ev.StreamPosition)
			}
		}
	}()
	wg.Wait()

	all, err := l.ReadAll(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, units*perUnit)
	assert.NoError(t, event.VerifyChain(all))
}
