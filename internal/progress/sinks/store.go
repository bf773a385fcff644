package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/progress"
	"github.com/Jabawack/bay-area-radar/internal/store"
)

// StoreSink persists session history through a store.SessionRepository.
// Events are applied in batch order so a session row exists before its
// stages are written.
type StoreSink struct {
	repo   store.SessionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes each event. The first repository error aborts the batch and
// is returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	id := evt.SessionUUID()
	switch evt.Kind {
	case progress.KindSessionStart:
		if err := s.repo.UpsertSessionStart(ctx, id, evt.Note, evt.TS); err != nil {
			return fmt.Errorf("upsert session start: %w", err)
		}
	case progress.KindStageStart:
		if err := s.repo.RecordStageStart(ctx, id, evt.Stage, evt.TS); err != nil {
			return fmt.Errorf("record stage start: %w", err)
		}
	case progress.KindStageEnd:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.RecordStageEnd(ctx, id, evt.Stage, evt.TS, evt.Count, note); err != nil {
			return fmt.Errorf("record stage end: %w", err)
		}
	case progress.KindSessionDone:
		outcome := store.SessionOutcome{
			FinishedAt:    evt.TS,
			Status:        store.SessionSuccess,
			TotalFound:    evt.Found,
			TotalFiltered: evt.Filtered,
			JobCount:      evt.Count,
		}
		if err := s.repo.CompleteSession(ctx, id, outcome); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	case progress.KindSessionError:
		note := evt.Note
		outcome := store.SessionOutcome{
			FinishedAt:   evt.TS,
			Status:       store.SessionError,
			ErrorMessage: &note,
		}
		if err := s.repo.CompleteSession(ctx, id, outcome); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	default:
		s.logger.Debug("ignoring progress event", zap.String("kind", string(evt.Kind)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
