package flow

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// LearnOptions tunes pattern learning.
type LearnOptions struct {
	// Floor is the minimum confidence a learned flow must reach.
	Floor float64

	// MinSupport is the minimum number of groups sharing a sequence.
	MinSupport int

	// MinLength is the minimum sequence length. Values below 2 are raised
	// to 2; a single event is not a flow.
	MinLength int
}

// DefaultLearnOptions mirrors the configuration defaults.
func DefaultLearnOptions() LearnOptions {
	return LearnOptions{Floor: 0.3, MinSupport: 2, MinLength: 2}
}

type candidate struct {
	sequence []event.Kind
	count    int
	window   time.Duration
}

// Learn proposes flows from groups that matched nothing. Each distinct kind
// sequence becomes a candidate whose confidence is the fraction of unmatched
// groups that share it. Output is deterministic: ordered by confidence, then
// name, with ids derived from the name.
func Learn(unmatched []Group, opts LearnOptions) []Flow {
	if len(unmatched) == 0 {
		return nil
	}
	minLen := max(opts.MinLength, 2)
	minSupport := max(opts.MinSupport, 1)

	byKey := make(map[string]*candidate)
	for _, g := range unmatched {
		if len(g.Events) == 0 {
			continue
		}
		seq := make([]event.Kind, len(g.Events))
		for i, ev := range g.Events {
			seq[i] = ev.Kind
		}
		key := sequenceKey(seq)
		c, ok := byKey[key]
		if !ok {
			c = &candidate{sequence: seq}
			byKey[key] = c
		}
		c.count++
		span := g.Events[len(g.Events)-1].Timestamp.Sub(g.Events[0].Timestamp)
		c.window = max(c.window, span)
	}

	total := float64(len(unmatched))
	var learned []Flow
	for _, c := range byKey {
		confidence := float64(c.count) / total
		if len(c.sequence) < minLen || c.count < minSupport || confidence < opts.Floor {
			continue
		}
		name := "Learned: " + sequenceKey(c.sequence)
		learned = append(learned, Flow{
			ID:                IDFromName(name),
			Name:              name,
			Description:       fmt.Sprintf("Observed in %d of %d unmatched groups", c.count, len(unmatched)),
			Sequence:          c.sequence,
			MinimumEventCount: len(c.sequence),
			MaximumTimeWindow: max(c.window.Truncate(time.Second)+time.Second, time.Second),
			Confidence:        confidence,
			Origin:            OriginLearned,
		})
	}
	slices.SortFunc(learned, func(a, b Flow) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return learned
}

func sequenceKey(seq []event.Kind) string {
	parts := make([]string, len(seq))
	for i, k := range seq {
		parts[i] = string(k)
	}
	return strings.Join(parts, " → ")
}
