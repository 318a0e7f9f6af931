// Package validation decides whether a candidate artifact can be applied
// live over the artifact a unit is currently running.
//
// Live redefinition can replace method bodies but not the shape of a unit:
// its fields, its supertype and the set and signatures of its methods must
// be unchanged. Every difference is reported as a Violation so a rejection
// explains itself.
package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/hotswap/internal/artifact"
)

// Verdict is the validation decision.
type Verdict string

const (
	Accept Verdict = "ACCEPT"
	Reject Verdict = "REJECT"
)

// Category classifies a violation.
type Category string

const (
	UnitMismatch           Category = "unit-mismatch"
	Unparseable            Category = "unparseable"
	MissingBaseline        Category = "missing-baseline"
	FieldAdded             Category = "field-added"
	FieldRemoved           Category = "field-removed"
	FieldTypeChanged       Category = "field-type-changed"
	MethodAdded            Category = "method-added"
	MethodRemoved          Category = "method-removed"
	MethodSignatureChanged Category = "method-signature-changed"
	SupertypeChanged       Category = "supertype-changed"
)

// Violation is one constraint the candidate breaks.
type Violation struct {
	Category Category `json:"category"`
	Subject  string   `json:"subject,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

func (v Violation) String() string {
	s := string(v.Category)
	if v.Subject != "" {
		s += " " + v.Subject
	}
	if v.Detail != "" {
		s += ": " + v.Detail
	}
	return s
}

// Outcome is the result of validating one candidate.
type Outcome struct {
	Unit       string      `json:"unit"`
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations,omitempty"`
}

func (o Outcome) Accepted() bool { return o.Verdict == Accept }

// Summary joins the violations into one line for event payloads.
func (o Outcome) Summary() string {
	parts := make([]string, len(o.Violations))
	for i, v := range o.Violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Options relaxes individual rules.
type Options struct {
	// AllowMethodAdditions accepts candidates that only add methods.
	AllowMethodAdditions bool
}

// Validator compares manifests.
type Validator struct {
	opts Options
}

func New(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Check inspects both artifacts and compares them. Parse failures become
// violations rather than errors.
func (v *Validator) Check(unit string, baseline, candidate []byte) Outcome {
	if len(baseline) == 0 {
		return reject(unit, Violation{Category: MissingBaseline, Detail: "no last-known-good artifact"})
	}
	base, err := artifact.Inspect(baseline)
	if err != nil {
		return reject(unit, Violation{Category: Unparseable, Subject: "baseline", Detail: err.Error()})
	}
	cand, err := artifact.Inspect(candidate)
	if err != nil {
		return reject(unit, Violation{Category: Unparseable, Subject: "candidate", Detail: err.Error()})
	}
	return v.Compare(unit, base, cand)
}

// Compare checks that candidate keeps baseline's structure.
func (v *Validator) Compare(unit string, baseline, candidate artifact.Manifest) Outcome {
	var violations []Violation

	if candidate.Unit != unit {
		violations = append(violations, Violation{
			Category: UnitMismatch,
			Subject:  candidate.Unit,
			Detail:   fmt.Sprintf("expected %s", unit),
		})
	}
	if baseline.Supertype != candidate.Supertype {
		violations = append(violations, Violation{
			Category: SupertypeChanged,
			Detail:   fmt.Sprintf("%q -> %q", baseline.Supertype, candidate.Supertype),
		})
	}

	baseFields, candFields := baseline.FieldMap(), candidate.FieldMap()
	for _, name := range unionKeys(baseFields, candFields) {
		b, inBase := baseFields[name]
		c, inCand := candFields[name]
		switch {
		case !inBase:
			violations = append(violations, Violation{Category: FieldAdded, Subject: name})
		case !inCand:
			violations = append(violations, Violation{Category: FieldRemoved, Subject: name})
		case b.Type != c.Type:
			violations = append(violations, Violation{
				Category: FieldTypeChanged,
				Subject:  name,
				Detail:   fmt.Sprintf("%s -> %s", b.Type, c.Type),
			})
		}
	}

	baseMethods, candMethods := baseline.MethodMap(), candidate.MethodMap()
	for _, name := range unionKeys(baseMethods, candMethods) {
		b, inBase := baseMethods[name]
		c, inCand := candMethods[name]
		switch {
		case !inBase:
			if !v.opts.AllowMethodAdditions {
				violations = append(violations, Violation{Category: MethodAdded, Subject: name})
			}
		case !inCand:
			violations = append(violations, Violation{Category: MethodRemoved, Subject: name})
		case b.Signature != c.Signature:
			violations = append(violations, Violation{
				Category: MethodSignatureChanged,
				Subject:  name,
				Detail:   fmt.Sprintf("%s -> %s", b.Signature, c.Signature),
			})
		}
	}

	if len(violations) > 0 {
		return reject(unit, violations...)
	}
	return Outcome{Unit: unit, Verdict: Accept}
}

func reject(unit string, violations ...Violation) Outcome {
	return Outcome{Unit: unit, Verdict: Reject, Violations: violations}
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
