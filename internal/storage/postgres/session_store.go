// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Jabawack/bay-area-radar/internal/store"
)

// Schema creates the session history tables. EnsureSchema applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS fetch_sessions (
	id             UUID PRIMARY KEY,
	mode           TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	status         TEXT NOT NULL,
	total_found    BIGINT NOT NULL DEFAULT 0,
	total_filtered BIGINT NOT NULL DEFAULT 0,
	job_count      BIGINT NOT NULL DEFAULT 0,
	error_message  TEXT
);
CREATE INDEX IF NOT EXISTS fetch_sessions_started_at_idx ON fetch_sessions (started_at DESC);
CREATE TABLE IF NOT EXISTS session_stages (
	session_id   UUID NOT NULL REFERENCES fetch_sessions (id) ON DELETE CASCADE,
	stage        TEXT NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	result_count BIGINT,
	message      TEXT,
	PRIMARY KEY (session_id, stage)
);
`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// SessionStore implements store.SessionRepository on Postgres.
type SessionStore struct {
	pool pool
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore connects a pool using cfg.
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SessionStore{pool: p}, nil
}

// NewSessionStoreWithPool wraps an existing pool (primarily for testing).
func NewSessionStoreWithPool(p pool) (*SessionStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &SessionStore{pool: p}, nil
}

// EnsureSchema creates the tables when they are missing.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure session schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}

// UpsertSessionStart inserts the session row in running state.
func (s *SessionStore) UpsertSessionStart(ctx context.Context, id uuid.UUID, mode string, startedAt time.Time) error {
	const query = `
		INSERT INTO fetch_sessions (id, mode, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at, mode = EXCLUDED.mode;
	`
	if _, err := s.pool.Exec(ctx, query, id, mode, startedAt, string(store.SessionRunning)); err != nil {
		return fmt.Errorf("upsert session start: %w", err)
	}
	return nil
}

// CompleteSession applies the terminal outcome.
func (s *SessionStore) CompleteSession(ctx context.Context, id uuid.UUID, outcome store.SessionOutcome) error {
	const query = `
		UPDATE fetch_sessions
		SET finished_at = $1, status = $2, total_found = $3, total_filtered = $4,
			job_count = $5, error_message = $6
		WHERE id = $7;
	`
	tag, err := s.pool.Exec(ctx, query,
		outcome.FinishedAt,
		string(outcome.Status),
		outcome.TotalFound,
		outcome.TotalFiltered,
		outcome.JobCount,
		outcome.ErrorMessage,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// RecordStageStart inserts or restarts a stage row.
func (s *SessionStore) RecordStageStart(ctx context.Context, id uuid.UUID, stage string, at time.Time) error {
	const query = `
		INSERT INTO session_stages (session_id, stage, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, stage) DO UPDATE
		SET started_at = EXCLUDED.started_at;
	`
	if _, err := s.pool.Exec(ctx, query, id, stage, at); err != nil {
		return fmt.Errorf("record stage start: %w", err)
	}
	return nil
}

// RecordStageEnd stores the stage result, creating the row if the start was
// never recorded.
func (s *SessionStore) RecordStageEnd(
	ctx context.Context,
	id uuid.UUID,
	stage string,
	at time.Time,
	count int64,
	message *string,
) error {
	const query = `
		INSERT INTO session_stages (session_id, stage, finished_at, result_count, message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, stage) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
			result_count = EXCLUDED.result_count,
			message = EXCLUDED.message;
	`
	if _, err := s.pool.Exec(ctx, query, id, stage, at, count, message); err != nil {
		return fmt.Errorf("record stage end: %w", err)
	}
	return nil
}

const sessionColumns = `id, mode, started_at, finished_at, status, total_found, total_filtered, job_count, error_message`

// GetSession loads one session.
func (s *SessionStore) GetSession(ctx context.Context, id uuid.UUID) (store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM fetch_sessions WHERE id = $1;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *SessionStore) ListSessions(
	ctx context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM fetch_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []store.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListSessionStages returns the stages of one session.
func (s *SessionStore) ListSessionStages(ctx context.Context, id uuid.UUID) ([]store.StageRecord, error) {
	const query = `
		SELECT session_id, stage, started_at, finished_at, result_count, message
		FROM session_stages
		WHERE session_id = $1
		ORDER BY COALESCE(started_at, finished_at) ASC, stage ASC;
	`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list session stages: %w", err)
	}
	defer rows.Close()

	stages := []store.StageRecord{}
	for rows.Next() {
		var rec store.StageRecord
		if err := rows.Scan(
			&rec.SessionID,
			&rec.Stage,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.Count,
			&rec.Message,
		); err != nil {
			return nil, fmt.Errorf("scan stage row: %w", err)
		}
		stages = append(stages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return stages, nil
}

func scanSession(row pgx.Row) (store.Session, error) {
	var (
		sess   store.Session
		status string
	)
	if err := row.Scan(
		&sess.ID,
		&sess.Mode,
		&sess.StartedAt,
		&sess.FinishedAt,
		&status,
		&sess.TotalFound,
		&sess.TotalFiltered,
		&sess.JobCount,
		&sess.ErrorMessage,
	); err != nil {
		return store.Session{}, err
	}
	sess.Status = store.SessionStatus(status)
	return sess, nil
}
