package event

import (
	"errors"
	"time"
)

// SchemaVersion is stamped on every event this build writes.
const SchemaVersion = 1

// ErrMissingAggregate is returned when metadata is built without an
// aggregate type or id.
var ErrMissingAggregate = errors.New("event: aggregate type and id are required")

// Metadata is the envelope shared by every event kind.
type Metadata struct {
	EventID          string    `json:"event_id"`
	AggregateType    string    `json:"aggregate_type"`
	AggregateID      string    `json:"aggregate_id"`
	AggregateVersion int64     `json:"aggregate_version"`
	Timestamp        time.Time `json:"timestamp"`
	PreviousEventID  string    `json:"previous_event_id,omitempty"`
	SchemaVersion    int       `json:"schema_version"`
	UserID           string    `json:"user_id,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	CausationID      string    `json:"causation_id,omitempty"`

	// StreamPosition is assigned by the log on append. Zero means the event
	// has not been persisted.
	StreamPosition int64 `json:"stream_position,omitempty"`
}

// Factory stamps new metadata with an event id and a timestamp.
type Factory struct {
	ids   IDGenerator
	clock Clock
}

// NewFactory returns a Factory. Nil arguments select UUIDv7 ids and the
// system clock.
func NewFactory(ids IDGenerator, clock Clock) *Factory {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Factory{ids: ids, clock: clock}
}

// ForNewAggregate returns version-1 metadata with no previous-event link.
func (f *Factory) ForNewAggregate(aggregateType, aggregateID string) (Metadata, error) {
	if aggregateType == "" || aggregateID == "" {
		return Metadata{}, ErrMissingAggregate
	}
	return Metadata{
		EventID:          f.ids.Generate(),
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: 1,
		Timestamp:        f.clock.Now().UTC(),
		SchemaVersion:    SchemaVersion,
	}, nil
}

// ForExistingAggregate returns metadata for version currentVersion+1, linked
// to previousEventID.
func (f *Factory) ForExistingAggregate(aggregateType, aggregateID, previousEventID string, currentVersion int64) (Metadata, error) {
	if aggregateType == "" || aggregateID == "" {
		return Metadata{}, ErrMissingAggregate
	}
	return Metadata{
		EventID:          f.ids.Generate(),
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: currentVersion + 1,
		Timestamp:        f.clock.Now().UTC(),
		PreviousEventID:  previousEventID,
		SchemaVersion:    SchemaVersion,
	}, nil
}

// Next returns metadata following head. A zero head starts a new aggregate.
func (f *Factory) Next(aggregateType, aggregateID string, head Head) (Metadata, error) {
	if head.Version == 0 {
		return f.ForNewAggregate(aggregateType, aggregateID)
	}
	return f.ForExistingAggregate(aggregateType, aggregateID, head.EventID, head.Version)
}

// Head identifies the latest event of an aggregate.
type Head struct {
	EventID string
	Version int64
}

func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

func (m Metadata) WithStreamPosition(pos int64) Metadata {
	m.StreamPosition = pos
	return m
}

// WithVersion overrides the aggregate version. The previous-event link is
// left alone; callers re-linking a chain must set both.
func (m Metadata) WithVersion(version int64) Metadata {
	m.AggregateVersion = version
	return m
}

func (m Metadata) IsFirstEvent() bool   { return m.AggregateVersion == 1 }
func (m Metadata) HasUser() bool        { return m.UserID != "" }
func (m Metadata) HasCorrelation() bool { return m.CorrelationID != "" }
