package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// MemoryLog is an in-process Log.
//
// Writers are serialised by a mutex. Readers load an immutable snapshot
// slice header atomically, so reads never wait on appends.
type MemoryLog struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]event.Event]
	heads    map[string]event.Head
	poisoned map[string]error
	seq      *event.Sequence
	subs     *Broadcaster
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{
		heads:    make(map[string]event.Head),
		poisoned: make(map[string]error),
		seq:      event.NewSequenceAt(0),
		subs:     NewBroadcaster(),
	}
	empty := []event.Event{}
	l.snapshot.Store(&empty)
	return l
}

func (l *MemoryLog) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}

	l.mu.Lock()
	if cause, ok := l.poisoned[ev.AggregateID]; ok {
		l.mu.Unlock()
		return event.Event{}, &IntegrityError{AggregateID: ev.AggregateID, Err: fmt.Errorf("%w: %w", ErrHalted, cause)}
	}
	if err := event.CheckLink(l.heads[ev.AggregateID], ev.Metadata); err != nil {
		l.poisoned[ev.AggregateID] = err
		l.mu.Unlock()
		slog.Error("log integrity violation", "aggregate", ev.AggregateID, "version", ev.AggregateVersion, "error", err)
		return event.Event{}, &IntegrityError{AggregateID: ev.AggregateID, Err: err}
	}

	stamped := ev.WithStreamPosition(l.seq.Next())
	current := *l.snapshot.Load()
	next := append(current, stamped)
	l.snapshot.Store(&next)
	l.heads[ev.AggregateID] = event.Head{EventID: ev.EventID, Version: ev.AggregateVersion}
	l.subs.Publish(stamped)
	l.mu.Unlock()

	return stamped, nil
}

func (l *MemoryLog) ReadStream(ctx context.Context, aggregateID string) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []event.Event
	for _, ev := range *l.snapshot.Load() {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) ReadAll(ctx context.Context, since time.Time) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := *l.snapshot.Load()
	filtered := Filter(all, since)
	return append([]event.Event(nil), filtered...), nil
}

func (l *MemoryLog) Head(ctx context.Context, aggregateID string) (event.Head, error) {
	if err := ctx.Err(); err != nil {
		return event.Head{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heads[aggregateID], nil
}

func (l *MemoryLog) Subscribe() *Subscription {
	return l.subs.Subscribe()
}

// Len returns the number of committed events.
func (l *MemoryLog) Len() int {
	return len(*l.snapshot.Load())
}

// Close closes all subscriptions.
func (l *MemoryLog) Close() error {
	l.subs.Close()
	return nil
}
