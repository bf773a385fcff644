package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Jabawack/bay-area-radar/internal/store"
)

var sessionCols = []string{
	"id", "mode", "started_at", "finished_at", "status",
	"total_found", "total_filtered", "job_count", "error_message",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *SessionStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)
	return mock, s
}

func TestUpsertSessionStart(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1760400000, 0).UTC()

	mock.ExpectExec("INSERT INTO fetch_sessions").
		WithArgs(id, "stream", now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertSessionStart(context.Background(), id, "stream", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSession(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1760400060, 0).UTC()
	outcome := store.SessionOutcome{
		FinishedAt:    now,
		Status:        store.SessionSuccess,
		TotalFound:    20,
		TotalFiltered: 5,
		JobCount:      5,
	}

	mock.ExpectExec("UPDATE fetch_sessions").
		WithArgs(now, "success", int64(20), int64(5), int64(5), outcome.ErrorMessage, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.CompleteSession(context.Background(), id, outcome))

	mock.ExpectExec("UPDATE fetch_sessions").
		WithArgs(now, "success", int64(20), int64(5), int64(5), outcome.ErrorMessage, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.CompleteSession(context.Background(), id, outcome), store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStages(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1760400010, 0).UTC()
	msg := "Found 12 remote jobs"

	mock.ExpectExec("INSERT INTO session_stages").
		WithArgs(id, "fetch_remotive", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO session_stages").
		WithArgs(id, "fetch_remotive", now.Add(time.Second), int64(12), &msg).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordStageStart(context.Background(), id, "fetch_remotive", now))
	require.NoError(t, s.RecordStageEnd(context.Background(), id, "fetch_remotive", now.Add(time.Second), 12, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO fetch_sessions").WillReturnError(boom)

	err := s.UpsertSessionStart(context.Background(), uuid.New(), "proxy", time.Now())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "upsert session start")
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1760400000, 0).UTC()

	mock.ExpectQuery("FROM fetch_sessions WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(id, "stream", started, nil, "running", int64(0), int64(0), int64(0), nil))

	sess, err := s.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, sess.ID)
	require.Equal(t, store.SessionRunning, sess.Status)
	require.Equal(t, started, sess.StartedAt)
	require.Nil(t, sess.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM fetch_sessions WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSession(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	first, second := uuid.New(), uuid.New()
	started := time.Unix(1760400000, 0).UTC()
	status := store.SessionSuccess

	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs("success", 10, 0).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(first, "stream", started, nil, "success", int64(20), int64(5), int64(5), nil).
			AddRow(second, "proxy", started.Add(-time.Hour), nil, "success", int64(8), int64(2), int64(2), nil))

	sessions, err := s.ListSessions(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, first, sessions[0].ID)
	require.Equal(t, int64(20), sessions[0].TotalFound)
	require.Equal(t, "proxy", sessions[1].Mode)

	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs(nil, 50, 0).
		WillReturnRows(pgxmock.NewRows(sessionCols))
	sessions, err = s.ListSessions(context.Background(), nil, 50, 0)
	require.NoError(t, err)
	require.Empty(t, sessions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionStages(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM session_stages").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "stage", "started_at", "finished_at", "result_count", "message"}).
			AddRow(id, "fetch_remotive", nil, nil, nil, nil).
			AddRow(id, "fetch_lever", nil, nil, nil, nil))

	stages, err := s.ListSessionStages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.Equal(t, "fetch_remotive", stages[0].Stage)
	require.Nil(t, stages[0].Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fetch_sessions").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectPing()

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSessionStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSessionStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewSessionStoreWithPool(nil)
	require.Error(t, err)
}
