// Package flowstore holds the flow library and the flow instances detected
// in the event history. Both are derived data: the event log is the source of
// truth and a store can always be rebuilt by replaying it.
package flowstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/hotswap/internal/flow"
)

// ErrNotFound is returned for unknown flow ids.
var ErrNotFound = errors.New("flow not found")

// Result reports what Store did with a flow.
type Result struct {
	OK      bool    `json:"ok"`
	FlowID  flow.ID `json:"flow_id"`
	Version int     `json:"version"`
	Message string  `json:"message"`
}

// Store result messages.
const (
	MsgStored    = "stored"
	MsgUpdated   = "updated"
	MsgUnchanged = "unchanged"
)

// Store is the flow library contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Store inserts or versions a flow. An invalid flow is reported through
	// Result with OK false; the error return is reserved for storage faults.
	Store(ctx context.Context, f flow.Flow) (Result, error)

	Get(ctx context.Context, id flow.ID) (flow.Flow, error)

	// GetAll returns every flow in id order.
	GetAll(ctx context.Context) ([]flow.Flow, error)

	Search(ctx context.Context, c flow.Criteria) ([]flow.Flow, error)

	// GetByMinimumConfidence returns flows at or above min, highest first.
	GetByMinimumConfidence(ctx context.Context, min float64) ([]flow.Flow, error)

	Delete(ctx context.Context, id flow.ID) error

	Statistics(ctx context.Context) (flow.Statistics, error)

	// ReplaceDetections drops the instances recorded for key whose first
	// position is at or after from, then records matches. Instances that
	// start before from are never touched.
	ReplaceDetections(ctx context.Context, key string, from int64, matches []flow.Match) error

	// Detections returns every recorded instance ordered by key, then
	// first position, then flow id.
	Detections(ctx context.Context) ([]flow.Match, error)

	ClearDetections(ctx context.Context) error
}

// Plan decides how incoming relates to the stored version of the same id.
// It returns the flow to persist and whether a write is needed. Identical
// content keeps its version; changed content gets the next one.
func Plan(existing flow.Flow, found bool, incoming flow.Flow) (flow.Flow, Result, bool) {
	if err := incoming.Validate(); err != nil {
		return flow.Flow{}, Result{FlowID: incoming.ID, Message: err.Error()}, false
	}
	next := incoming.Clone()
	if !found {
		next.Version = 1
		return next, Result{OK: true, FlowID: next.ID, Version: 1, Message: MsgStored}, true
	}

	oldHash, err := existing.ContentHash()
	if err != nil {
		return flow.Flow{}, Result{FlowID: incoming.ID, Message: err.Error()}, false
	}
	newHash, err := incoming.ContentHash()
	if err != nil {
		return flow.Flow{}, Result{FlowID: incoming.ID, Message: err.Error()}, false
	}
	if oldHash == newHash {
		return existing, Result{OK: true, FlowID: existing.ID, Version: existing.Version, Message: MsgUnchanged}, false
	}
	next.Version = existing.Version + 1
	return next, Result{OK: true, FlowID: next.ID, Version: next.Version, Message: MsgUpdated}, true
}

// ByConfidence orders flows highest confidence first, then by id.
func ByConfidence(flows []flow.Flow) {
	slices.SortFunc(flows, func(a, b flow.Flow) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// SortMatches puts matches in the order Detections reports them.
func SortMatches(ms []flow.Match) {
	slices.SortFunc(ms, flow.CompareMatches)
}

// StoreAll stores each flow and stops at the first storage fault or invalid
// flow.
func StoreAll(ctx context.Context, s Store, flows []flow.Flow) ([]Result, error) {
	results := make([]Result, 0, len(flows))
	for _, f := range flows {
		res, err := s.Store(ctx, f)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !res.OK {
			return results, fmt.Errorf("store %s: %s", f.ID, res.Message)
		}
	}
	return results, nil
}
