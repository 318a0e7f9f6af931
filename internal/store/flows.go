package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
)

const flowColumns = `id, name, description, sequence, minimum_events, window_ns,
	confidence, condition, max_gap, version, origin`

const (
	querySelectFlow = `SELECT ` + flowColumns + ` FROM flows WHERE id = ?`

	querySelectFlows = `SELECT ` + flowColumns + ` FROM flows ORDER BY id ASC`

	queryUpsertFlow = `INSERT INTO flows
	(id, name, description, sequence, minimum_events, window_ns,
	 confidence, condition, max_gap, version, origin, content_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		sequence = excluded.sequence,
		minimum_events = excluded.minimum_events,
		window_ns = excluded.window_ns,
		confidence = excluded.confidence,
		condition = excluded.condition,
		max_gap = excluded.max_gap,
		version = excluded.version,
		origin = excluded.origin,
		content_hash = excluded.content_hash`

	queryDeleteFlow = `DELETE FROM flows WHERE id = ?`

	queryDeleteDetectionsFrom = `DELETE FROM detections WHERE match_key = ? AND first_pos >= ?`

	queryInsertDetection = `INSERT INTO detections
	(match_key, flow_id, flow_name, confidence, event_ids, first_pos, last_pos, start_ns, end_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectDetections = `SELECT match_key, flow_id, flow_name, confidence, event_ids,
	first_pos, last_pos, start_ns, end_ns
	FROM detections ORDER BY match_key ASC, first_pos ASC, flow_id ASC`

	queryCountDetections = `SELECT COUNT(*) FROM detections`

	queryClearDetections = `DELETE FROM detections`
)

// FlowStore is a durable flowstore.Store.
type FlowStore struct {
	db     *sql.DB
	reader *sql.DB
	mu     sync.Mutex
}

var _ flowstore.Store = (*FlowStore)(nil)

// Flows returns the flow store backed by d.
func (d *DB) Flows() *FlowStore {
	return &FlowStore{db: d.db, reader: d.reader}
}

func (s *FlowStore) Store(ctx context.Context, f flow.Flow) (flowstore.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flowstore.Result{}, fmt.Errorf("store flow: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanFlow(tx.QueryRowContext(ctx, querySelectFlow, string(f.ID)))
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return flowstore.Result{}, fmt.Errorf("store flow %s: %w", f.ID, err)
	}

	next, res, write := flowstore.Plan(existing, found, f)
	if !write {
		return res, nil
	}

	args, err := flowArgs(next)
	if err != nil {
		return flowstore.Result{}, fmt.Errorf("store flow %s: %w", f.ID, err)
	}
	if _, err := tx.ExecContext(ctx, queryUpsertFlow, args...); err != nil {
		return flowstore.Result{}, fmt.Errorf("store flow %s: %w", f.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return flowstore.Result{}, fmt.Errorf("store flow %s: commit: %w", f.ID, err)
	}
	return res, nil
}

func (s *FlowStore) Get(ctx context.Context, id flow.ID) (flow.Flow, error) {
	f, err := scanFlow(s.reader.QueryRowContext(ctx, querySelectFlow, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Flow{}, fmt.Errorf("%w: %s", flowstore.ErrNotFound, id)
	}
	if err != nil {
		return flow.Flow{}, fmt.Errorf("get flow %s: %w", id, err)
	}
	return f, nil
}

func (s *FlowStore) GetAll(ctx context.Context) ([]flow.Flow, error) {
	rows, err := s.reader.QueryContext(ctx, querySelectFlows)
	if err != nil {
		return nil, fmt.Errorf("get flows: %w", err)
	}
	defer rows.Close()

	var out []flow.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("get flows: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get flows: %w", err)
	}
	return out, nil
}

// Search loads the library and filters in process; wildcard and kind
// criteria do not map cleanly onto SQL.
func (s *FlowStore) Search(ctx context.Context, c flow.Criteria) ([]flow.Flow, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return flow.Filter(all, c)
}

func (s *FlowStore) GetByMinimumConfidence(ctx context.Context, min float64) ([]flow.Flow, error) {
	out, err := s.Search(ctx, flow.Criteria{MinConfidence: &min})
	if err != nil {
		return nil, err
	}
	flowstore.ByConfidence(out)
	return out, nil
}

func (s *FlowStore) Delete(ctx context.Context, id flow.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, queryDeleteFlow, string(id))
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", flowstore.ErrNotFound, id)
	}
	return nil
}

func (s *FlowStore) Statistics(ctx context.Context) (flow.Statistics, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return flow.Statistics{}, err
	}
	st := flow.Summarise(all)
	if err := s.reader.QueryRowContext(ctx, queryCountDetections).Scan(&st.Detections); err != nil {
		return flow.Statistics{}, fmt.Errorf("count detections: %w", err)
	}
	return st, nil
}

func (s *FlowStore) ReplaceDetections(ctx context.Context, key string, from int64, matches []flow.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace detections: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeleteDetectionsFrom, key, from); err != nil {
		return fmt.Errorf("replace detections %s: %w", key, err)
	}
	for _, m := range matches {
		ids, err := json.Marshal(m.EventIDs)
		if err != nil {
			return fmt.Errorf("replace detections %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx, queryInsertDetection,
			key,
			string(m.FlowID),
			m.FlowName,
			m.Confidence,
			string(ids),
			m.FirstPos,
			m.LastPos,
			m.Start.UnixNano(),
			m.End.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("replace detections %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace detections %s: commit: %w", key, err)
	}
	return nil
}

func (s *FlowStore) Detections(ctx context.Context) ([]flow.Match, error) {
	rows, err := s.reader.QueryContext(ctx, querySelectDetections)
	if err != nil {
		return nil, fmt.Errorf("get detections: %w", err)
	}
	defer rows.Close()

	var out []flow.Match
	for rows.Next() {
		var (
			m              flow.Match
			flowID, ids    string
			startNs, endNs int64
		)
		err := rows.Scan(&m.Key, &flowID, &m.FlowName, &m.Confidence, &ids,
			&m.FirstPos, &m.LastPos, &startNs, &endNs)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &m.EventIDs); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		m.FlowID = flow.ID(flowID)
		m.Start = time.Unix(0, startNs).UTC()
		m.End = time.Unix(0, endNs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get detections: %w", err)
	}
	return out, nil
}

func (s *FlowStore) ClearDetections(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, queryClearDetections); err != nil {
		return fmt.Errorf("clear detections: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (flow.Flow, error) {
	var (
		f         flow.Flow
		id, seq   string
		origin    string
		windowNs  int64
		condition sql.NullString
		maxGap    sql.NullInt64
	)
	err := row.Scan(&id, &f.Name, &f.Description, &seq, &f.MinimumEventCount,
		&windowNs, &f.Confidence, &condition, &maxGap, &f.Version, &origin)
	if err != nil {
		return flow.Flow{}, err
	}
	f.ID = flow.ID(id)
	f.Origin = flow.Origin(origin)
	f.MaximumTimeWindow = time.Duration(windowNs)

	var kinds []string
	if err := json.Unmarshal([]byte(seq), &kinds); err != nil {
		return flow.Flow{}, fmt.Errorf("decode sequence of %s: %w", id, err)
	}
	f.Sequence = make([]event.Kind, len(kinds))
	for i, k := range kinds {
		f.Sequence[i] = event.Kind(k)
	}

	if condition.Valid {
		var c flow.Condition
		if err := json.Unmarshal([]byte(condition.String), &c); err != nil {
			return flow.Flow{}, fmt.Errorf("decode condition of %s: %w", id, err)
		}
		f.Condition = &c
	}
	if maxGap.Valid {
		f.MaxGap = flow.Gap(int(maxGap.Int64))
	}
	return f, nil
}

func flowArgs(f flow.Flow) ([]any, error) {
	seq, err := json.Marshal(f.Sequence)
	if err != nil {
		return nil, err
	}
	hash, err := f.ContentHash()
	if err != nil {
		return nil, err
	}

	var condition sql.NullString
	if f.Condition != nil {
		data, err := json.Marshal(f.Condition)
		if err != nil {
			return nil, err
		}
		condition = sql.NullString{String: string(data), Valid: true}
	}
	var maxGap sql.NullInt64
	if f.MaxGap != nil {
		maxGap = sql.NullInt64{Int64: int64(*f.MaxGap), Valid: true}
	}

	return []any{
		string(f.ID),
		f.Name,
		f.Description,
		string(seq),
		f.MinimumEventCount,
		int64(f.MaximumTimeWindow),
		f.Confidence,
		condition,
		maxGap,
		f.Version,
		string(f.Origin),
		hash,
	}, nil
}
