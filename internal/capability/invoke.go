package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a port call outlives its deadline.
var ErrTimeout = errors.New("capability call timed out")

// Pending tracks a port call that may still be running after Invoke gave up
// on it.
type Pending struct {
	done chan struct{}
}

// Done is closed when the call has returned.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the call returns or d elapses. It reports whether the
// call returned.
func (p *Pending) Wait(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Invoke runs fn with a context bounded by timeout. A non-positive timeout
// disables the bound. When the deadline passes before fn returns, Invoke
// returns ErrTimeout immediately; the returned Pending lets the caller wait
// for fn before touching the same unit again.
//
// A panic inside fn is converted to an error.
func Invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (*Pending, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	p := &Pending{done: make(chan struct{})}
	result := make(chan error, 1)
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("capability call panicked: %v", r)
			}
		}()
		result <- fn(callCtx)
	}()

	select {
	case err := <-result:
		<-p.done
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			return p, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		}
		return p, err
	case <-callCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		return p, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
