package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/hotswap/internal/digest"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
)

const eventColumns = `position, event_id, aggregate_type, aggregate_id, aggregate_version,
	previous_event_id, kind, occurred_at, schema_version, user_id,
	correlation_id, causation_id, payload`

const (
	queryHead = `SELECT event_id, aggregate_version FROM events
	WHERE aggregate_id = ? ORDER BY aggregate_version DESC LIMIT 1`

	queryInsertEvent = `INSERT INTO events
	(event_id, aggregate_type, aggregate_id, aggregate_version, previous_event_id,
	 kind, occurred_at, schema_version, user_id, correlation_id, causation_id, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryReadStream = `SELECT ` + eventColumns + ` FROM events
	WHERE aggregate_id = ? ORDER BY aggregate_version ASC`

	queryReadAll = `SELECT ` + eventColumns + ` FROM events
	WHERE occurred_at >= ? ORDER BY position ASC`
)

// EventLog is a durable eventlog.Log.
//
// Appends are serialised by a mutex and each runs in its own transaction.
// Subscribers are fed after commit, in commit order.
type EventLog struct {
	db       *sql.DB
	reader   *sql.DB
	mu       sync.Mutex
	poisoned map[string]error
	subs     *eventlog.Broadcaster
}

var _ eventlog.Log = (*EventLog)(nil)

// Events returns the event log backed by d.
func (d *DB) Events() *EventLog {
	return &EventLog{
		db:       d.db,
		reader:   d.reader,
		poisoned: make(map[string]error),
		subs:     eventlog.NewBroadcaster(),
	}
}

func (l *EventLog) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cause, ok := l.poisoned[ev.AggregateID]; ok {
		return event.Event{}, &eventlog.IntegrityError{AggregateID: ev.AggregateID, Err: fmt.Errorf("%w: %w", eventlog.ErrHalted, cause)}
	}

	payload, err := digest.MarshalCanonical(ev.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: marshal payload: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	head, err := readHead(ctx, tx, ev.AggregateID)
	if err != nil {
		return event.Event{}, fmt.Errorf("append: %w", err)
	}
	if err := event.CheckLink(head, ev.Metadata); err != nil {
		return event.Event{}, l.poison(ev, err)
	}

	res, err := tx.ExecContext(ctx, queryInsertEvent,
		ev.EventID,
		ev.AggregateType,
		ev.AggregateID,
		ev.AggregateVersion,
		ev.PreviousEventID,
		string(ev.Kind),
		ev.Timestamp.UnixNano(),
		ev.SchemaVersion,
		ev.UserID,
		ev.CorrelationID,
		ev.CausationID,
		string(payload),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return event.Event{}, l.poison(ev, err)
		}
		return event.Event{}, fmt.Errorf("append: insert: %w", err)
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return event.Event{}, fmt.Errorf("append: position: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("append: commit: %w", err)
	}

	stamped := ev.WithStreamPosition(pos)
	l.subs.Publish(stamped)
	return stamped, nil
}

// poison must be called with l.mu held.
func (l *EventLog) poison(ev event.Event, cause error) error {
	l.poisoned[ev.AggregateID] = cause
	slog.Error("log integrity violation", "aggregate", ev.AggregateID, "version", ev.AggregateVersion, "error", cause)
	return &eventlog.IntegrityError{AggregateID: ev.AggregateID, Err: cause}
}

func (l *EventLog) ReadStream(ctx context.Context, aggregateID string) ([]event.Event, error) {
	rows, err := l.reader.QueryContext(ctx, queryReadStream, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", aggregateID, err)
	}
	return scanEvents(rows)
}

func (l *EventLog) ReadAll(ctx context.Context, since time.Time) ([]event.Event, error) {
	from := int64(math.MinInt64)
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := l.reader.QueryContext(ctx, queryReadAll, from)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return scanEvents(rows)
}

func (l *EventLog) Head(ctx context.Context, aggregateID string) (event.Head, error) {
	return readHead(ctx, l.reader, aggregateID)
}

func (l *EventLog) Subscribe() *eventlog.Subscription {
	return l.subs.Subscribe()
}

// Close closes all subscriptions. The database stays open.
func (l *EventLog) Close() error {
	l.subs.Close()
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readHead(ctx context.Context, q querier, aggregateID string) (event.Head, error) {
	var h event.Head
	err := q.QueryRowContext(ctx, queryHead, aggregateID).Scan(&h.EventID, &h.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Head{}, nil
	}
	if err != nil {
		return event.Head{}, fmt.Errorf("read head %s: %w", aggregateID, err)
	}
	return h, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			ev      event.Event
			kind    string
			nanos   int64
			payload string
		)
		err := rows.Scan(
			&ev.StreamPosition,
			&ev.EventID,
			&ev.AggregateType,
			&ev.AggregateID,
			&ev.AggregateVersion,
			&ev.PreviousEventID,
			&kind,
			&nanos,
			&ev.SchemaVersion,
			&ev.UserID,
			&ev.CorrelationID,
			&ev.CausationID,
			&payload,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = event.Kind(kind)
		ev.Timestamp = time.Unix(0, nanos).UTC()
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", ev.EventID, err)
		}
		if len(ev.Payload) == 0 {
			ev.Payload = nil
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
