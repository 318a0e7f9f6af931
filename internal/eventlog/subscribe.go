package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/hotswap/internal/event"
)

// ErrClosed is returned by a drained, closed subscription or queue.
var ErrClosed = errors.New("eventlog: closed")

// Subscription receives committed events in stream order.
type Subscription struct {
	queue  *Queue[event.Event]
	cancel func()
}

// Next blocks for the next event.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	return s.queue.Dequeue(ctx)
}

// Pending returns the number of undelivered events.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

// Close detaches the subscription. Already queued events remain readable.
func (s *Subscription) Close() {
	s.cancel()
	s.queue.Close()
}

// Broadcaster fans committed events out to subscriptions.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]*Queue[event.Event]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*Queue[event.Event])}
}

func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	q := NewQueue[event.Event]()
	b.subs[id] = q
	return &Subscription{
		queue: q,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		},
	}
}

// Publish enqueues ev for every live subscription. Never blocks.
func (b *Broadcaster) Publish(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.subs {
		q.Enqueue(ev)
	}
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, q := range b.subs {
		q.Close()
		delete(b.subs, id)
	}
}
