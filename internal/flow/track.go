package flow

import (
	"slices"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// Update is the detection change caused by one event. Recorded detections
// for Key whose first position is at or after From are replaced by Matches;
// detections starting before From are final and stay as recorded.
type Update struct {
	Key     string
	From    int64
	Matches []Match
}

// Tracker detects flows incrementally over per-key sliding windows.
//
// After each event the window for the event's key is matched again. A
// detection stays open to revision while all of its events are in the
// window; once its first event slides out it is final, and its events that
// are still in the window cannot be claimed by another detection. Running
// the same events through a fresh Tracker always yields the same updates,
// which is what lets a rebuild from the log reproduce what streaming
// recorded.
//
// Not safe for concurrent use.
type Tracker struct {
	window *Window
	// open holds, per key, the detections that still touch the window.
	open map[string][]Match
}

// NewTracker creates a tracker. Non-positive bounds select the window
// defaults.
func NewTracker(by GroupBy, maxEvents int, maxAge time.Duration) *Tracker {
	return &Tracker{
		window: NewWindow(by, maxEvents, maxAge),
		open:   make(map[string][]Match),
	}
}

// Add records ev and re-matches its key with d. ok is false when ev has no
// key under the tracker's grouping. On a matcher error the event is kept in
// the window and the key's detections are left unchanged.
func (t *Tracker) Add(d *Detector, ev event.Event) (Update, bool, error) {
	g, ok := t.window.Add(ev)
	if !ok {
		return Update{}, false, nil
	}
	from := g.Events[0].StreamPosition

	var final []Match
	claimed := make(map[string]bool)
	for _, m := range t.open[g.Key] {
		if m.LastPos < from || m.FirstPos >= from {
			continue
		}
		final = append(final, m)
		for _, id := range m.EventIDs {
			claimed[id] = true
		}
	}

	free := g.Events
	if len(claimed) > 0 {
		free = slices.DeleteFunc(slices.Clone(g.Events), func(ev event.Event) bool { return claimed[ev.EventID] })
	}
	revised, err := d.DetectGroup(Group{Key: g.Key, Events: free})
	if err != nil {
		return Update{}, true, err
	}
	slices.SortFunc(revised, CompareMatches)

	if open := append(final, revised...); len(open) > 0 {
		t.open[g.Key] = open
	} else {
		delete(t.open, g.Key)
	}
	return Update{Key: g.Key, From: from, Matches: revised}, true, nil
}

// Expire forgets keys whose newest event is older than the window age
// before now. It returns the number of keys dropped.
func (t *Tracker) Expire(now time.Time) int {
	n := t.window.Expire(now)
	for key := range t.open {
		if !t.window.has(key) {
			delete(t.open, key)
		}
	}
	return n
}

// Keys returns the number of tracked keys.
func (t *Tracker) Keys() int {
	return t.window.Keys()
}

// Apply folds u into detections, a list of recorded matches.
func (u Update) Apply(detections []Match) []Match {
	kept := slices.DeleteFunc(detections, func(m Match) bool {
		return m.Key == u.Key && m.FirstPos >= u.From
	})
	return append(kept, u.Matches...)
}

// Replay runs a group through a fresh tracker and returns every detection
// it ends with, ordered by first position. This is the batch form of
// streaming detection: both agree on any log.
func (d *Detector) Replay(g Group, maxEvents int, maxAge time.Duration) ([]Match, error) {
	t := NewTracker(d.by, maxEvents, maxAge)
	var detections []Match
	for _, ev := range g.Events {
		u, ok, err := t.Add(d, ev)
		if err != nil {
			return nil, err
		}
		if ok {
			detections = u.Apply(detections)
		}
	}
	slices.SortFunc(detections, CompareMatches)
	return detections, nil
}
