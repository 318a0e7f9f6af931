// Package compiler turns declarative CUE flow libraries into flow.Flow values.
//
// A library is a CUE file with a top-level "flow" struct keyed by flow name:
//
//	flow: "Rollback Recovery": {
//		sequence: ["ApplyRequested", "ApplyFailed", "RolledBack"]
//		window:     "1m"
//		confidence: 0.9
//	}
//
// Every library is unified with an embedded schema before compilation, so
// unknown event kinds and out-of-range values are reported with their CUE
// source position.
package compiler

import (
	_ "embed"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/flow"
)

//go:embed cue/schema.cue
var schemaSource []byte

//go:embed cue/seeds.cue
var seedSource []byte

// Seeds compiles the built-in flow library.
func Seeds() ([]flow.Flow, error) {
	return Compile(seedSource, "seeds.cue", flow.OriginSeed)
}

// Compile compiles a CUE flow library. Flows are returned in id order.
func Compile(src []byte, filename string, origin flow.Origin) ([]flow.Flow, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	lib := ctx.CompileBytes(src, cue.Filename(filename))
	if err := lib.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := schema.Unify(lib)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileFlows(v.LookupPath(cue.ParsePath("flow")), origin)
}

// CompileFlows compiles every field of a "flow" struct.
func CompileFlows(v cue.Value, origin flow.Origin) ([]flow.Flow, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var flows []flow.Flow
	seen := make(map[flow.ID]string)
	for iter.Next() {
		f, err := CompileFlow(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		f.Origin = origin
		if other, dup := seen[f.ID]; dup {
			return nil, &CompileError{
				Field:   "id",
				Message: fmt.Sprintf("flows %q and %q share id %s", other, f.Name, f.ID),
				Pos:     iter.Value().Pos(),
			}
		}
		seen[f.ID] = f.Name
		flows = append(flows, f)
	}
	flow.SortFlows(flows)
	return flows, nil
}

// CompileFlow compiles a single flow definition named name.
func CompileFlow(name string, v cue.Value) (flow.Flow, error) {
	if err := v.Err(); err != nil {
		return flow.Flow{}, formatCUEError(err)
	}

	f := flow.Flow{Name: name, ID: flow.IDFromName(name)}
	if idVal := v.LookupPath(cue.ParsePath("id")); idVal.Exists() {
		id, err := idVal.String()
		if err != nil {
			return flow.Flow{}, formatCUEError(err)
		}
		f.ID = flow.ID(id)
	}

	var err error
	if f.Description, err = v.LookupPath(cue.ParsePath("description")).String(); err != nil {
		return flow.Flow{}, formatCUEError(err)
	}

	if f.Sequence, err = parseSequence(v.LookupPath(cue.ParsePath("sequence"))); err != nil {
		return flow.Flow{}, err
	}

	f.MinimumEventCount = len(f.Sequence)
	if minVal := v.LookupPath(cue.ParsePath("minimum_events")); minVal.Exists() {
		n, err := minVal.Int64()
		if err != nil {
			return flow.Flow{}, formatCUEError(err)
		}
		f.MinimumEventCount = int(n)
	}

	if f.MaximumTimeWindow, err = parseDuration(v, "window"); err != nil {
		return flow.Flow{}, err
	}

	if f.Confidence, err = v.LookupPath(cue.ParsePath("confidence")).Float64(); err != nil {
		return flow.Flow{}, formatCUEError(err)
	}

	if gapVal := v.LookupPath(cue.ParsePath("max_gap")); gapVal.Exists() {
		n, err := gapVal.Int64()
		if err != nil {
			return flow.Flow{}, formatCUEError(err)
		}
		f.MaxGap = flow.Gap(int(n))
	}

	if condVal := v.LookupPath(cue.ParsePath("condition")); condVal.Exists() {
		c, err := parseCondition(condVal)
		if err != nil {
			return flow.Flow{}, err
		}
		f.Condition = &c
	}

	if err := f.Validate(); err != nil {
		return flow.Flow{}, &CompileError{Field: name, Message: err.Error(), Pos: v.Pos()}
	}
	return f, nil
}

func parseSequence(v cue.Value) ([]event.Kind, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var kinds []event.Kind
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		kinds = append(kinds, event.Kind(s))
	}
	return kinds, nil
}

func parseCondition(v cue.Value) (flow.Condition, error) {
	kind, err := v.LookupPath(cue.ParsePath("kind")).String()
	if err != nil {
		return flow.Condition{}, formatCUEError(err)
	}
	c := flow.Condition{Kind: flow.ConditionKind(kind)}

	if v.LookupPath(cue.ParsePath("duration")).Exists() {
		if c.Duration, err = parseDuration(v, "duration"); err != nil {
			return flow.Condition{}, err
		}
	}

	if allVal := v.LookupPath(cue.ParsePath("all")); allVal.Exists() {
		iter, err := allVal.List()
		if err != nil {
			return flow.Condition{}, formatCUEError(err)
		}
		for iter.Next() {
			sub, err := parseCondition(iter.Value())
			if err != nil {
				return flow.Condition{}, err
			}
			c.All = append(c.All, sub)
		}
	}
	return c, nil
}

func parseDuration(v cue.Value, field string) (time.Duration, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	s, err := fv.String()
	if err != nil {
		return 0, formatCUEError(err)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: field, Message: err.Error(), Pos: fv.Pos()}
	}
	return d, nil
}

// CompileError reports a problem in a flow library with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
