package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
)

// LogSink emits structured logs for debugging job event streams. It is useful
// during development or audits where a message broker is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", evt.Kind),
		}
		if evt.File != "" {
			fields = append(fields, zap.String("file", evt.File))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Lines > 0 {
			fields = append(fields, zap.Int64("lines", evt.Lines))
		}
		if evt.Wait > 0 {
			fields = append(fields, zap.Duration("wait", evt.Wait))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
