package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeSuccess(t *testing.T) {
	p, err := Invoke(context.Background(), time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, p.Wait(0))
}

func TestInvokeError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Invoke(context.Background(), time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestInvokeTimeoutLeavesPending(t *testing.T) {
	release := make(chan struct{})
	p, err := Invoke(context.Background(), 10*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, p.Wait(5*time.Millisecond))

	close(release)
	assert.True(t, p.Wait(time.Second))
}

func TestInvokeCooperativeTimeout(t *testing.T) {
	h := NewHost()
	h.Load("Slow", []byte("v1"), 1)
	h.Delay("Slow", time.Hour)

	p, err := Invoke(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		return h.ApplyRedefinition(ctx, "Slow", []byte("v2"))
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, p.Wait(time.Second))
}

func TestInvokeRecoversPanic(t *testing.T) {
	_, err := Invoke(context.Background(), 0, func(context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvokeParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Invoke(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}
