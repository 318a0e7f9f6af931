package eventlog

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO with a coalescing wake-up signal.
//
// Producers never block, so a slow consumer cannot stall the writer that
// feeds it. Consumers pair TryDequeue with Wait for context-aware waiting.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends v. Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Wait returns a channel that fires when items may be available. It is
// closed once the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Dequeue blocks until an item is available, the queue is closed and
// drained, or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if v, ok := q.TryDequeue(); ok {
			return v, nil
		}
		q.mu.Lock()
		drained := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if drained {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes all waiters. Queued items can
// still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
