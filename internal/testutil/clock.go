package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a ManualClock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current time and then advances it by Step,
// so consecutive events get distinct, predictable timestamps. Step zero
// freezes the clock until Advance or Set is called.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock starting at Epoch that advances by step.
func NewManualClock(step time.Duration) *ManualClock {
	return &ManualClock{now: Epoch, step: step}
}

// Now returns the current time and advances the clock by its step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *ManualClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
