package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionStatus mirrors the fetch_sessions status column.
type SessionStatus string

// Session statuses persisted in fetch_sessions.status.
const (
	SessionRunning SessionStatus = "running"
	SessionSuccess SessionStatus = "success"
	SessionError   SessionStatus = "error"
)

// ParseSessionStatus validates a status string from user input.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch s := SessionStatus(raw); s {
	case SessionRunning, SessionSuccess, SessionError:
		return s, nil
	default:
		return "", fmt.Errorf("invalid session status %q", raw)
	}
}

// Session models one row of fetch_sessions.
type Session struct {
	ID         uuid.UUID
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     SessionStatus
	// TotalFound, TotalFiltered and JobCount are set once the session succeeds.
	TotalFound    int64
	TotalFiltered int64
	JobCount      int64
	ErrorMessage  *string
}

// SessionOutcome is the terminal update applied to a session.
type SessionOutcome struct {
	FinishedAt    time.Time
	Status        SessionStatus
	TotalFound    int64
	TotalFiltered int64
	JobCount      int64
	ErrorMessage  *string
}

// StageRecord models one row of session_stages.
type StageRecord struct {
	SessionID  uuid.UUID
	Stage      string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Count      *int64
	Message    *string
}

// SessionRepository persists fetch-session history.
type SessionRepository interface {
	// UpsertSessionStart inserts the session or refreshes its start time.
	UpsertSessionStart(ctx context.Context, id uuid.UUID, mode string, startedAt time.Time) error
	// CompleteSession records the terminal outcome.
	CompleteSession(ctx context.Context, id uuid.UUID, outcome SessionOutcome) error
	// RecordStageStart marks a stage as started.
	RecordStageStart(ctx context.Context, id uuid.UUID, stage string, at time.Time) error
	// RecordStageEnd stores a stage's result count and last message.
	RecordStageEnd(ctx context.Context, id uuid.UUID, stage string, at time.Time, count int64, message *string) error

	// GetSession loads one session or returns ErrNotFound.
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	// ListSessions returns sessions newest first, optionally filtered by
	// status.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]Session, error)
	// ListSessionStages returns the stages of one session in start order.
	ListSessionStages(ctx context.Context, id uuid.UUID) ([]StageRecord, error)
}
