package flow

import (
	"slices"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// Default streaming window bounds.
const (
	DefaultWindowEvents = 32
	DefaultWindowAge    = 10 * time.Minute
)

// Window keeps a bounded recent history per group key for streaming
// detection. Ages are measured in event time, not wall time, so replaying
// the same events always produces the same windows.
//
// Not safe for concurrent use.
type Window struct {
	maxEvents int
	maxAge    time.Duration
	by        GroupBy
	groups    map[string][]event.Event
}

// NewWindow creates a window. Non-positive bounds select the defaults.
func NewWindow(by GroupBy, maxEvents int, maxAge time.Duration) *Window {
	if maxEvents <= 0 {
		maxEvents = DefaultWindowEvents
	}
	if maxAge <= 0 {
		maxAge = DefaultWindowAge
	}
	if by == "" {
		by = ByCorrelation
	}
	return &Window{maxEvents: maxEvents, maxAge: maxAge, by: by, groups: make(map[string][]event.Event)}
}

// Add records ev and returns the trimmed window for its key. ok is false
// for events that have no key under the window's grouping.
func (w *Window) Add(ev event.Event) (Group, bool) {
	key, ok := w.by.Key(ev)
	if !ok {
		return Group{}, false
	}
	events := append(w.groups[key], ev)

	cutoff := ev.Timestamp.Add(-w.maxAge)
	drop := 0
	for drop < len(events) && events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(events) - drop - w.maxEvents; over > 0 {
		drop += over
	}
	if drop > 0 {
		events = slices.Clone(events[drop:])
	}
	w.groups[key] = events
	return Group{Key: key, Events: slices.Clone(events)}, true
}

// Expire forgets keys whose newest event is older than maxAge before now.
// It returns the number of keys dropped.
func (w *Window) Expire(now time.Time) int {
	cutoff := now.Add(-w.maxAge)
	n := 0
	for key, events := range w.groups {
		if len(events) == 0 || events[len(events)-1].Timestamp.Before(cutoff) {
			delete(w.groups, key)
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys.
func (w *Window) Keys() int {
	return len(w.groups)
}

func (w *Window) has(key string) bool {
	_, ok := w.groups[key]
	return ok
}
