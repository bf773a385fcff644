package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/progress"
)

// LogSink writes each event as a structured log line. It stands in for a
// durable store during development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Fields irrelevant to the event kind
// are omitted.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindSessionStart:
			fields = append(fields, zap.String("mode", evt.Note))
		case progress.KindStageStart:
			fields = append(fields, zap.String("stage", evt.Stage))
		case progress.KindStageEnd:
			fields = append(fields,
				zap.String("stage", evt.Stage),
				zap.Int64("count", evt.Count),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
		case progress.KindSessionDone:
			fields = append(fields,
				zap.Int64("jobs", evt.Count),
				zap.Int64("found", evt.Found),
				zap.Int64("filtered", evt.Filtered),
				zap.Duration("dur", evt.Dur),
			)
		case progress.KindSessionError:
			fields = append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
