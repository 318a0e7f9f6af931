package flow

import (
	"errors"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// ErrSearchBudget is returned when a group is too large to search
// exhaustively under a bounded gap.
var ErrSearchBudget = errors.New("match search budget exceeded")

// DefaultSearchBudget bounds the nodes visited per flow per group.
const DefaultSearchBudget = 100_000

// Match is one recognised flow instance.
type Match struct {
	Key        string    `json:"key"`
	FlowID     ID        `json:"flow_id"`
	FlowName   string    `json:"flow_name"`
	Confidence float64   `json:"confidence"`
	EventIDs   []string  `json:"event_ids"`
	FirstPos   int64     `json:"first_position"`
	LastPos    int64     `json:"last_position"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Matcher matches flows against a single group of events.
type Matcher struct {
	// DefaultMaxGap applies to flows without their own MaxGap.
	// Unbounded (or any negative value) allows any gap.
	DefaultMaxGap int

	// Budget caps the search per flow. Zero means DefaultSearchBudget.
	Budget int
}

// Match reports the earliest-starting occurrence of f in group, if any.
func (m Matcher) Match(f Flow, key string, group []event.Event) (Match, bool, error) {
	found, err := m.find(f, key, group, 1)
	if err != nil || len(found) == 0 {
		return Match{}, false, err
	}
	return found[0], true, nil
}

// MatchAll reports every non-overlapping occurrence of f in group, earliest
// start first. Each occurrence is the earliest one among the events earlier
// occurrences left unclaimed.
func (m Matcher) MatchAll(f Flow, key string, group []event.Event) ([]Match, error) {
	return m.find(f, key, group, -1)
}

// find collects up to limit occurrences; a negative limit collects all.
func (m Matcher) find(f Flow, key string, group []event.Event, limit int) ([]Match, error) {
	if len(f.Sequence) == 0 || len(group) < f.MinimumEventCount || len(group) < len(f.Sequence) {
		return nil, nil
	}

	maxGap := m.DefaultMaxGap
	if f.MaxGap != nil {
		maxGap = *f.MaxGap
	}
	budget := m.Budget
	if budget <= 0 {
		budget = DefaultSearchBudget
	}

	s := search{
		flow:   f,
		group:  group,
		maxGap: maxGap,
		budget: budget,
		picked: make([]int, 0, len(f.Sequence)),
		used:   make([]bool, len(group)),
	}
	var found []Match
	for start := range group {
		if limit >= 0 && len(found) == limit {
			break
		}
		if s.used[start] || group[start].Kind != f.Sequence[0] {
			continue
		}
		s.picked = append(s.picked[:0], start)
		ok, err := s.extend(1)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, s.match(key))
			for _, idx := range s.picked {
				s.used[idx] = true
			}
		}
	}
	return found, nil
}

type search struct {
	flow   Flow
	group  []event.Event
	maxGap int
	budget int
	picked []int
	used   []bool
}

// extend tries to place sequence element next after the last picked index,
// backtracking over later placements.
func (s *search) extend(next int) (bool, error) {
	s.budget--
	if s.budget < 0 {
		return false, ErrSearchBudget
	}
	if next == len(s.flow.Sequence) {
		return s.accept(), nil
	}

	last := s.picked[len(s.picked)-1]
	first := s.group[s.picked[0]].Timestamp
	limit := len(s.group)
	if s.maxGap >= 0 && last+s.maxGap+2 < limit {
		limit = last + s.maxGap + 2
	}
	for i := last + 1; i < limit; i++ {
		if s.used[i] || s.group[i].Kind != s.flow.Sequence[next] {
			continue
		}
		if s.group[i].Timestamp.Sub(first) > s.flow.MaximumTimeWindow {
			continue
		}
		s.picked = append(s.picked, i)
		ok, err := s.extend(next + 1)
		if err != nil || ok {
			return ok, err
		}
		s.picked = s.picked[:len(s.picked)-1]
	}
	return false, nil
}

func (s *search) accept() bool {
	matched := s.matched()
	elapsed := matched[len(matched)-1].Timestamp.Sub(matched[0].Timestamp)
	if elapsed > s.flow.MaximumTimeWindow {
		return false
	}
	if s.flow.Condition != nil && !s.flow.Condition.Holds(matched) {
		return false
	}
	return true
}

func (s *search) matched() []event.Event {
	out := make([]event.Event, len(s.picked))
	for i, idx := range s.picked {
		out[i] = s.group[idx]
	}
	return out
}

func (s *search) match(key string) Match {
	matched := s.matched()
	ids := make([]string, len(matched))
	for i, ev := range matched {
		ids[i] = ev.EventID
	}
	return Match{
		Key:        key,
		FlowID:     s.flow.ID,
		FlowName:   s.flow.Name,
		Confidence: s.flow.Confidence,
		EventIDs:   ids,
		FirstPos:   matched[0].StreamPosition,
		LastPos:    matched[len(matched)-1].StreamPosition,
		Start:      matched[0].Timestamp,
		End:        matched[len(matched)-1].Timestamp,
	}
}

// NewMatcher returns a matcher that tolerates any gap unless a flow bounds
// its own.
func NewMatcher() Matcher {
	return Matcher{DefaultMaxGap: Unbounded}
}
