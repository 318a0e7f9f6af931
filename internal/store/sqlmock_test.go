package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/flowstore/storetest"
	"github.com/roach88/hotswap/internal/testutil"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return Wrap(db), mock
}

func TestEventLog_AppendErrors(t *testing.T) {
	b := testutil.NewChainBuilder(t, time.Second)
	ev := b.Next("Counter", event.ArtifactChanged, "run-1")

	tests := []struct {
		name      string
		setup     func(mock sqlmock.Sqlmock)
		integrity bool
	}{
		{
			name: "begin fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
			},
		},
		{
			name: "head query fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(queryHead)).WithArgs("Counter").
					WillReturnError(errors.New("disk I/O error"))
				mock.ExpectRollback()
			},
		},
		{
			name: "insert fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(queryHead)).WithArgs("Counter").
					WillReturnRows(sqlmock.NewRows([]string{"event_id", "aggregate_version"}))
				mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
					WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
		},
		{
			name: "constraint violation from a concurrent writer",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(queryHead)).WithArgs("Counter").
					WillReturnRows(sqlmock.NewRows([]string{"event_id", "aggregate_version"}))
				mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
					WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint})
				mock.ExpectRollback()
			},
			integrity: true,
		},
		{
			name: "commit fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(queryHead)).WithArgs("Counter").
					WillReturnRows(sqlmock.NewRows([]string{"event_id", "aggregate_version"}))
				mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit().WillReturnError(errors.New("disk full"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.setup(mock)

			_, err := db.Events().Append(context.Background(), ev)
			require.Error(t, err)
			assert.Equal(t, tt.integrity, eventlog.IsIntegrityViolation(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEventLog_ReadErrors(t *testing.T) {
	db, mock := newMock(t)
	log := db.Events()

	mock.ExpectQuery(regexp.QuoteMeta(queryReadStream)).WithArgs("Counter").
		WillReturnError(errors.New("disk I/O error"))
	_, err := log.ReadStream(context.Background(), "Counter")
	assert.ErrorContains(t, err, "read stream Counter")

	mock.ExpectQuery(regexp.QuoteMeta(queryReadAll)).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(1))
	_, err = log.ReadAll(context.Background(), time.Time{})
	assert.ErrorContains(t, err, "scan event")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_CorruptPayload(t *testing.T) {
	db, mock := newMock(t)

	cols := []string{"position", "event_id", "aggregate_type", "aggregate_id", "aggregate_version",
		"previous_event_id", "kind", "occurred_at", "schema_version", "user_id",
		"correlation_id", "causation_id", "payload"}
	mock.ExpectQuery(regexp.QuoteMeta(queryReadStream)).WithArgs("Counter").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "ev-1", "Unit", "Counter", 1, "", "ArtifactChanged", 0, 1, "", "", "", "{not json"))

	_, err := db.Events().ReadStream(context.Background(), "Counter")
	assert.ErrorContains(t, err, "unmarshal payload of ev-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowStore_Errors(t *testing.T) {
	ctx := context.Background()
	f := storetest.Flow("Rollback Recovery", 0.9)

	t.Run("store lookup fails", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectFlow)).WithArgs(string(f.ID)).
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		_, err := db.Flows().Store(ctx, f)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store upsert fails", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectFlow)).WithArgs(string(f.ID)).
			WillReturnRows(sqlmock.NewRows(nil))
		mock.ExpectExec(regexp.QuoteMeta(queryUpsertFlow)).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := db.Flows().Store(ctx, f)
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid flow never reaches the database", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectFlow)).
			WillReturnRows(sqlmock.NewRows(nil))
		mock.ExpectRollback()

		bad := f
		bad.Confidence = 2
		res, err := db.Flows().Store(ctx, bad)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete missing", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(queryDeleteFlow)).WithArgs("flow-x").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := db.Flows().Delete(ctx, "flow-x")
		assert.ErrorIs(t, err, flowstore.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replace detections rolls back on insert failure", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(queryDeleteDetectionsFrom)).WithArgs("k", int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta(queryInsertDetection)).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := db.Flows().ReplaceDetections(ctx, "k", 0, []flow.Match{{Key: "k", FlowID: f.ID}})
		assert.ErrorContains(t, err, "replace detections k")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("statistics count fails", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(querySelectFlows)).
			WillReturnRows(sqlmock.NewRows(nil))
		mock.ExpectQuery(regexp.QuoteMeta(queryCountDetections)).
			WillReturnError(errors.New("disk I/O error"))

		_, err := db.Flows().Statistics(ctx)
		assert.ErrorContains(t, err, "count detections")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
