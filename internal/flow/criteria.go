package flow

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/roach88/hotswap/internal/event"
)

// Criteria filters flows. Zero fields do not constrain.
type Criteria struct {
	// NamePattern and DescriptionPattern match the whole text,
	// case-insensitively, with "*" matching any run of characters.
	NamePattern        string
	DescriptionPattern string

	MinConfidence *float64
	MaxConfidence *float64

	// MinSequenceLength requires at least this many kinds in the sequence.
	MinSequenceLength int

	// MaxTimeWindow excludes flows with a longer window.
	MaxTimeWindow time.Duration

	RequiredKinds []event.Kind
	ExcludedKinds []event.Kind

	Origin Origin
}

// Matcher compiles the criteria into a predicate.
func (c Criteria) Matcher() (func(Flow) bool, error) {
	name, err := compileWildcard(c.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("name pattern: %w", err)
	}
	desc, err := compileWildcard(c.DescriptionPattern)
	if err != nil {
		return nil, fmt.Errorf("description pattern: %w", err)
	}

	return func(f Flow) bool {
		if name != nil && !name.MatchString(f.Name) {
			return false
		}
		if desc != nil && !desc.MatchString(f.Description) {
			return false
		}
		if c.MinConfidence != nil && f.Confidence < *c.MinConfidence {
			return false
		}
		if c.MaxConfidence != nil && f.Confidence > *c.MaxConfidence {
			return false
		}
		if len(f.Sequence) < c.MinSequenceLength {
			return false
		}
		if c.MaxTimeWindow > 0 && f.MaximumTimeWindow > c.MaxTimeWindow {
			return false
		}
		for _, k := range c.RequiredKinds {
			if !slices.Contains(f.Sequence, k) {
				return false
			}
		}
		for _, k := range c.ExcludedKinds {
			if slices.Contains(f.Sequence, k) {
				return false
			}
		}
		if c.Origin != "" && f.Origin != c.Origin {
			return false
		}
		return true
	}, nil
}

// Filter returns the flows that satisfy c, preserving order.
func Filter(flows []Flow, c Criteria) ([]Flow, error) {
	match, err := c.Matcher()
	if err != nil {
		return nil, err
	}
	var out []Flow
	for _, f := range flows {
		if match(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?is)^" + strings.Join(parts, ".*") + "$")
}
