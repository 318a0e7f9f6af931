package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestForNewAggregate(t *testing.T) {
	f := NewFactory(NewFixedGenerator("ev-1"), fixedClock{t0})

	m, err := f.ForNewAggregate(AggregateUnit, "Counter")
	require.NoError(t, err)

	assert.Equal(t, "ev-1", m.EventID)
	assert.Equal(t, int64(1), m.AggregateVersion)
	assert.Empty(t, m.PreviousEventID)
	assert.Equal(t, t0, m.Timestamp)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.True(t, m.IsFirstEvent())
	assert.Zero(t, m.StreamPosition)
}

func TestForExistingAggregate(t *testing.T) {
	f := NewFactory(NewFixedGenerator("ev-2"), fixedClock{t0})

	m, err := f.ForExistingAggregate(AggregateUnit, "Counter", "ev-1", 1)
	require.NoError(t, err)

	assert.Equal(t, int64(2), m.AggregateVersion)
	assert.Equal(t, "ev-1", m.PreviousEventID)
	assert.False(t, m.IsFirstEvent())
}

func TestFactoryRejectsMissingAggregate(t *testing.T) {
	f := NewFactory(NewFixedGenerator("a", "b", "c", "d"), fixedClock{t0})

	tests := []struct {
		name    string
		aggType string
		aggID   string
	}{
		{"empty type", "", "Counter"},
		{"empty id", AggregateUnit, ""},
		{"both empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ForNewAggregate(tt.aggType, tt.aggID)
			assert.ErrorIs(t, err, ErrMissingAggregate)
			_, err = f.ForExistingAggregate(tt.aggType, tt.aggID, "x", 1)
			assert.ErrorIs(t, err, ErrMissingAggregate)
		})
	}
}

func TestFactoryNext(t *testing.T) {
	f := NewFactory(NewFixedGenerator("ev-1", "ev-2"), fixedClock{t0})

	first, err := f.Next(AggregateUnit, "Counter", Head{})
	require.NoError(t, err)
	assert.True(t, first.IsFirstEvent())

	second, err := f.Next(AggregateUnit, "Counter", Head{EventID: first.EventID, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.AggregateVersion)
	assert.Equal(t, "ev-1", second.PreviousEventID)
}

func TestMutatorsReturnCopies(t *testing.T) {
	f := NewFactory(NewFixedGenerator("ev-1"), fixedClock{t0})
	m, err := f.ForNewAggregate(AggregateUnit, "Counter")
	require.NoError(t, err)

	changed := m.WithUserID("alice").
		WithCorrelationID("run-1").
		WithCausationID("ev-0").
		WithStreamPosition(7).
		WithVersion(3)

	assert.False(t, m.HasUser())
	assert.False(t, m.HasCorrelation())
	assert.Empty(t, m.CausationID)
	assert.Zero(t, m.StreamPosition)
	assert.Equal(t, int64(1), m.AggregateVersion)

	assert.True(t, changed.HasUser())
	assert.True(t, changed.HasCorrelation())
	assert.Equal(t, "ev-0", changed.CausationID)
	assert.Equal(t, int64(7), changed.StreamPosition)
	assert.Equal(t, int64(3), changed.AggregateVersion)
}

func TestNewCopiesPayload(t *testing.T) {
	payload := map[string]string{KeyReason: "x"}
	ev := New(Metadata{EventID: "e"}, ApplyFailed, payload)
	payload[KeyReason] = "mutated"

	assert.Equal(t, "x", ev.Get(KeyReason))
	assert.Equal(t, "", ev.Get("missing"))
}

func TestNewFactoryDefaults(t *testing.T) {
	f := NewFactory(nil, nil)
	a, err := f.ForNewAggregate(AggregateUnit, "A")
	require.NoError(t, err)
	b, err := f.ForNewAggregate(AggregateUnit, "A")
	require.NoError(t, err)

	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Len(t, a.EventID, 36)
}
