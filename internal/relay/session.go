package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/progress"
)

const settleTimeout = 10 * time.Second

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints session identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Archiver persists successful results.
type Archiver interface {
	Save(ctx context.Context, sessionID uuid.UUID, resp pipeline.Response) (string, error)
}

// Publisher announces finished sessions.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is published once per successful session.
type Notification struct {
	SessionID     string    `json:"session_id"`
	Mode          string    `json:"mode"`
	TotalFound    int       `json:"total_found"`
	TotalFiltered int       `json:"total_filtered"`
	ErrorCount    int       `json:"error_count"`
	CompletedAt   time.Time `json:"completed_at"`
	ArchiveURI    string    `json:"archive_uri,omitempty"`
}

// Hooks are the optional collaborators notified about every session.
type Hooks struct {
	Emitter   progress.Emitter
	Archiver  Archiver
	Publisher Publisher
	Topic     string
	Clock     Clock
	IDs       IDGenerator
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

type v7IDs struct{}

func (v7IDs) NewRawID() (uuid.UUID, error) { return uuid.NewV7() }

func (h Hooks) withDefaults() Hooks {
	if h.Clock == nil {
		h.Clock = utcClock{}
	}
	if h.IDs == nil {
		h.IDs = v7IDs{}
	}
	if h.Tracer == nil {
		h.Tracer = otel.Tracer("github.com/Jabawack/bay-area-radar/internal/relay")
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	return h
}

// session tracks one fetch from start to its terminal frame.
type session struct {
	hooks   Hooks
	id      uuid.UUID
	mode    string
	started time.Time
	span    trace.Span
	logger  *zap.Logger
	stages  map[pipeline.Stage]time.Time
}

func (h Hooks) open(ctx context.Context, mode string) (context.Context, *session) {
	id, err := h.IDs.NewRawID()
	if err != nil {
		h.Logger.Warn("session id generation failed", zap.Error(err))
		id = uuid.New()
	}
	ctx, span := h.Tracer.Start(ctx, "relay.fetch",
		trace.WithAttributes(
			attribute.String("radar.session_id", id.String()),
			attribute.String("radar.mode", mode),
		),
	)
	s := &session{
		hooks:   h,
		id:      id,
		mode:    mode,
		started: h.Clock.Now(),
		span:    span,
		logger:  h.Logger.With(zap.String("session_id", id.String()), zap.String("mode", mode)),
		stages:  make(map[pipeline.Stage]time.Time),
	}
	s.emit(progress.Event{Kind: progress.KindSessionStart, Note: mode})
	s.logger.Info("fetch session started")
	return ctx, s
}

func (s *session) emit(evt progress.Event) {
	if s.hooks.Emitter == nil {
		return
	}
	evt.SessionID = progress.UUIDToBytes(s.id)
	if evt.TS.IsZero() {
		evt.TS = s.hooks.Clock.Now()
	}
	s.hooks.Emitter.Emit(evt)
}

// stage records a stage boundary for the hub and the trace.
func (s *session) stage(evt pipeline.StageEvent) {
	now := s.hooks.Clock.Now()
	out := progress.Event{TS: now, Stage: string(evt.Stage)}
	switch evt.Phase {
	case pipeline.PhaseStart:
		s.stages[evt.Stage] = now
		out.Kind = progress.KindStageStart
	default:
		out.Kind = progress.KindStageEnd
		if evt.Count != nil {
			out.Count = int64(*evt.Count)
		}
		if began, ok := s.stages[evt.Stage]; ok {
			out.Dur = now.Sub(began)
		}
		if evt.LastProgress != nil {
			out.Note = *evt.LastProgress
		}
	}
	s.span.AddEvent(string(out.Kind), trace.WithAttributes(attribute.String("radar.stage", out.Stage)))
	s.emit(out)
}

// fill stamps the session timestamps onto a result that lacks them.
func (s *session) fill(result *pipeline.FetchResult) {
	result.Normalize()
	if result.StartedAt.IsZero() {
		result.StartedAt = pipeline.NewTimestamp(s.started)
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = pipeline.NewTimestamp(s.hooks.Clock.Now())
	}
	if err := result.Validate(); err != nil {
		s.logger.Warn("pipeline result failed validation", zap.Error(err))
	}
}

// close finishes bookkeeping. On success the result is archived and
// announced; neither failure affects what the client already received.
func (s *session) close(ctx context.Context, result pipeline.FetchResult, err error) {
	defer s.span.End()
	elapsed := s.hooks.Clock.Now().Sub(s.started)
	outcome := outcomeOf(err)
	metrics.ObserveFetch(s.mode, outcome, elapsed)

	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, outcome)
		s.emit(progress.Event{Kind: progress.KindSessionError, Dur: elapsed, Note: err.Error()})
		s.logger.Warn("fetch session failed", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}

	s.span.SetAttributes(
		attribute.Int("radar.total_found", result.TotalFound),
		attribute.Int("radar.total_filtered", result.TotalFiltered),
	)
	s.emit(progress.Event{
		Kind:     progress.KindSessionDone,
		Dur:      elapsed,
		Found:    int64(result.TotalFound),
		Filtered: int64(result.TotalFiltered),
		Count:    int64(len(result.Jobs)),
	})
	s.logger.Info("fetch session complete",
		zap.Int("jobs", len(result.Jobs)),
		zap.Int("total_found", result.TotalFound),
		zap.Int("total_filtered", result.TotalFiltered),
		zap.Duration("elapsed", elapsed),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	var uri string
	if s.hooks.Archiver != nil {
		saved, archiveErr := s.hooks.Archiver.Save(ctx, s.id, pipeline.Response{Success: true, FetchResult: result})
		if archiveErr != nil {
			s.logger.Warn("archive result failed", zap.Error(archiveErr))
		} else {
			uri = saved
		}
	}
	if s.hooks.Publisher != nil {
		note := Notification{
			SessionID:     s.id.String(),
			Mode:          s.mode,
			TotalFound:    result.TotalFound,
			TotalFiltered: result.TotalFiltered,
			ErrorCount:    len(result.Errors),
			CompletedAt:   result.CompletedAt.Time,
			ArchiveURI:    uri,
		}
		if _, pubErr := s.hooks.Publisher.Publish(ctx, s.hooks.Topic, note); pubErr != nil {
			s.logger.Warn("publish completion failed", zap.Error(pubErr))
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pipeline.ErrTimeout):
		return "timeout"
	case errors.Is(err, errDelivery), errors.Is(err, context.Canceled), errors.Is(err, pipeline.ErrAborted):
		return "canceled"
	default:
		return "error"
	}
}
