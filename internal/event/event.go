package event

import (
	"fmt"
	"maps"
)

// Kind discriminates event variants.
type Kind string

// AggregateUnit is the aggregate type of every hot-swap pipeline event.
const AggregateUnit = "Unit"

const (
	ArtifactChanged       Kind = "ArtifactChanged"
	MetadataExtracted     Kind = "MetadataExtracted"
	CapabilityUnavailable Kind = "CapabilityUnavailable"
	ValidationRejected    Kind = "ValidationRejected"
	Validated             Kind = "Validated"
	ApplyRequested        Kind = "ApplyRequested"
	ApplySucceeded        Kind = "ApplySucceeded"
	ApplyFailed           Kind = "ApplyFailed"
	InstancesConfirmed    Kind = "InstancesConfirmed"
	VerificationFailed    Kind = "VerificationFailed"
	RolledBack            Kind = "RolledBack"
	RollbackFailed        Kind = "RollbackFailed"
	RunSuperseded         Kind = "RunSuperseded"
)

// Kinds lists every pipeline kind in transition order.
var Kinds = []Kind{
	ArtifactChanged, MetadataExtracted, CapabilityUnavailable, ValidationRejected,
	Validated, ApplyRequested, ApplySucceeded, ApplyFailed, InstancesConfirmed,
	VerificationFailed, RolledBack, RollbackFailed, RunSuperseded,
}

// Payload keys shared across kinds.
const (
	KeyRunID        = "run_id"
	KeyArtifactPath = "artifact_path"
	KeyContentHash  = "content_hash"
	KeyBaselineHash = "baseline_hash"
	KeyReason       = "reason"
	KeyError        = "error"
	KeyViolations   = "violations"
	KeyFootprint    = "footprint_bytes"
	KeyDetectedAt   = "detected_at"
	KeySupersededBy = "superseded_by"
)

// Event is an immutable versioned record.
type Event struct {
	Metadata
	Kind    Kind              `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// New builds an event. The payload is copied.
func New(meta Metadata, kind Kind, payload map[string]string) Event {
	return Event{Metadata: meta, Kind: kind, Payload: maps.Clone(payload)}
}

// Get returns a payload value or "".
func (e Event) Get(key string) string {
	return e.Payload[key]
}

// WithStreamPosition returns a copy stamped with pos.
func (e Event) WithStreamPosition(pos int64) Event {
	e.Metadata = e.Metadata.WithStreamPosition(pos)
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s v%d %s", e.AggregateType, e.AggregateID, e.AggregateVersion, e.Kind)
}
