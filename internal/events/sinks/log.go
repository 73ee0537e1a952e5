package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/events"
)

// LogSink emits structured logs for debugging event streams. It is useful
// during development or audits where no UI is attached.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("type", string(evt.Type)),
		}
		if evt.BatchID > 0 {
			fields = append(fields, zap.Int("batch_id", evt.BatchID))
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", evt.Stage))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message), zap.Bool("recoverable", evt.Recoverable))
		}
		if evt.Progress != nil {
			fields = append(fields, zap.Float64("percentage", evt.Progress.Percentage))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("crawl event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
