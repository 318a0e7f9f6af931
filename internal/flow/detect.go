package flow

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/hotswap/internal/event"
)

// GroupBy selects the correlation key used to partition events.
type GroupBy string

const (
	ByCorrelation GroupBy = "correlation"
	ByAggregate   GroupBy = "aggregate"
	ByUser        GroupBy = "user"
)

// ParseGroupBy accepts the GroupBy names; "" selects ByCorrelation.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case "", ByCorrelation:
		return ByCorrelation, nil
	case ByAggregate, ByUser:
		return GroupBy(s), nil
	}
	return "", fmt.Errorf("unknown grouping %q (want correlation, aggregate or user)", s)
}

// Key returns the group key of ev. Events without a correlation id group by
// aggregate; events without a user are not grouped by user at all.
func (g GroupBy) Key(ev event.Event) (string, bool) {
	switch g {
	case ByAggregate:
		return "aggregate:" + ev.AggregateID, true
	case ByUser:
		if ev.UserID == "" {
			return "", false
		}
		return "user:" + ev.UserID, true
	default:
		if ev.CorrelationID == "" {
			return "aggregate:" + ev.AggregateID, true
		}
		return "correlation:" + ev.CorrelationID, true
	}
}

// Group is a set of correlated events in stream order.
type Group struct {
	Key    string
	Events []event.Event
}

// GroupEvents partitions events by key. Groups are ordered by their first
// event; events keep their input order within a group.
func GroupEvents(events []event.Event, by GroupBy) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, ev := range events {
		key, ok := by.Key(ev)
		if !ok {
			continue
		}
		i, seen := index[key]
		if !seen {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Events = append(groups[i].Events, ev)
	}
	return groups
}

// Skipped records a group the matcher failed on.
type Skipped struct {
	Key   string
	Error string
}

// Result is the outcome of a batch detection.
type Result struct {
	Matches   []Match
	Unmatched []Group
	Skipped   []Skipped
}

// Detector matches a fixed library of flows.
type Detector struct {
	flows   []Flow
	matcher Matcher
	by      GroupBy
}

// NewDetector copies and orders flows.
func NewDetector(flows []Flow, matcher Matcher, by GroupBy) *Detector {
	lib := make([]Flow, len(flows))
	for i, f := range flows {
		lib[i] = f.Clone()
	}
	SortFlows(lib)
	if by == "" {
		by = ByCorrelation
	}
	return &Detector{flows: lib, matcher: matcher, by: by}
}

// Flows returns the library in match order.
func (d *Detector) Flows() []Flow {
	return slices.Clone(d.flows)
}

// GroupBy returns the detector's grouping.
func (d *Detector) GroupBy() GroupBy { return d.by }

// Detect groups events and runs every group through a fresh Tracker with the
// default window, so the result is what streaming the same events records.
// Empty input yields an empty result. A group the matcher fails on is logged
// and skipped.
func (d *Detector) Detect(events []event.Event) Result {
	var res Result
	for _, g := range GroupEvents(events, d.by) {
		matches, err := d.Replay(g, 0, 0)
		if err != nil {
			slog.Warn("skipping group", "key", g.Key, "events", len(g.Events), "error", err)
			res.Skipped = append(res.Skipped, Skipped{Key: g.Key, Error: err.Error()})
			continue
		}
		if len(matches) == 0 {
			res.Unmatched = append(res.Unmatched, g)
			continue
		}
		res.Matches = append(res.Matches, matches...)
	}
	return res
}

// DetectGroup matches every occurrence of every flow against one group, as
// a whole, and resolves overlaps:
// candidates with more matched events win, then higher confidence, then the
// lower flow id. A losing candidate is dropped if it shares any event with a
// winner.
func (d *Detector) DetectGroup(g Group) (matches []Match, err error) {
	defer func() {
		if r := recover(); r != nil {
			matches, err = nil, fmt.Errorf("matcher panic: %v", r)
		}
	}()

	var candidates []Match
	for _, f := range d.flows {
		ms, err := d.matcher.MatchAll(f, g.Key, g.Events)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", f.ID, err)
		}
		candidates = append(candidates, ms...)
	}
	return ResolveOverlaps(candidates), nil
}

// CompareMatches orders matches by key, first position, then flow id.
func CompareMatches(a, b Match) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.FirstPos, b.FirstPos); c != 0 {
		return c
	}
	return cmp.Compare(a.FlowID, b.FlowID)
}

// ResolveOverlaps orders candidates by preference and keeps those that do
// not share events with a preferred one. The result is in preference order.
func ResolveOverlaps(candidates []Match) []Match {
	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b Match) int {
		if c := cmp.Compare(len(b.EventIDs), len(a.EventIDs)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.FlowID, b.FlowID)
	})

	claimed := make(map[string]bool)
	var kept []Match
	for _, m := range ordered {
		if slices.ContainsFunc(m.EventIDs, func(id string) bool { return claimed[id] }) {
			continue
		}
		for _, id := range m.EventIDs {
			claimed[id] = true
		}
		kept = append(kept, m)
	}
	return kept
}
