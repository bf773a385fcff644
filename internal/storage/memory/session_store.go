package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jabawack/bay-area-radar/internal/store"
)

// SessionStore keeps fetch-session history in process memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]store.Session
	stages   map[uuid.UUID][]store.StageRecord
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[uuid.UUID]store.Session),
		stages:   make(map[uuid.UUID][]store.StageRecord),
	}
}

// UpsertSessionStart inserts the session in running state, or refreshes the
// start of an existing one.
func (s *SessionStore) UpsertSessionStart(_ context.Context, id uuid.UUID, mode string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = store.Session{ID: id, Status: store.SessionRunning}
	}
	sess.Mode = mode
	sess.StartedAt = startedAt
	s.sessions[id] = sess
	return nil
}

// CompleteSession applies the terminal outcome.
func (s *SessionStore) CompleteSession(_ context.Context, id uuid.UUID, outcome store.SessionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("complete session %s: %w", id, store.ErrNotFound)
	}
	sess.FinishedAt = pointerTime(outcome.FinishedAt)
	sess.Status = outcome.Status
	sess.TotalFound = outcome.TotalFound
	sess.TotalFiltered = outcome.TotalFiltered
	sess.JobCount = outcome.JobCount
	sess.ErrorMessage = outcome.ErrorMessage
	s.sessions[id] = sess
	return nil
}

// RecordStageStart inserts or restarts a stage.
func (s *SessionStore) RecordStageStart(_ context.Context, id uuid.UUID, stage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.stageLocked(id, stage)
	rec.StartedAt = pointerTime(at)
	return nil
}

// RecordStageEnd stores the stage result.
func (s *SessionStore) RecordStageEnd(
	_ context.Context,
	id uuid.UUID,
	stage string,
	at time.Time,
	count int64,
	message *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.stageLocked(id, stage)
	rec.FinishedAt = pointerTime(at)
	rec.Count = &count
	if message != nil {
		msg := *message
		rec.Message = &msg
	} else {
		rec.Message = nil
	}
	return nil
}

// stageLocked returns the stage row for id, appending it if missing.
func (s *SessionStore) stageLocked(id uuid.UUID, stage string) *store.StageRecord {
	list := s.stages[id]
	for i := range list {
		if list[i].Stage == stage {
			return &list[i]
		}
	}
	s.stages[id] = append(list, store.StageRecord{SessionID: id, Stage: stage})
	return &s.stages[id][len(s.stages[id])-1]
}

// GetSession loads one session.
func (s *SessionStore) GetSession(_ context.Context, id uuid.UUID) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *SessionStore) ListSessions(
	_ context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.Session, error) {
	s.mu.RLock()
	out := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if status != nil && sess.Status != *status {
			continue
		}
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.Session{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListSessionStages returns a copy of the stages in first-recorded order.
func (s *SessionStore) ListSessionStages(_ context.Context, id uuid.UUID) ([]store.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.stages[id]
	out := make([]store.StageRecord, len(list))
	copy(out, list)
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
