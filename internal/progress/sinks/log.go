package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
)

// LogSink writes each event as a structured log line.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("done", evt.Done),
			zap.Int("total", evt.Total),
		}
		if evt.Stage == progress.StageItemAdvanced {
			fields = append(fields,
				zap.Int("slot", evt.Slot),
				zap.String("target", evt.Target),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("source", string(evt.Source)),
				zap.Duration("dwell", evt.Dur),
			)
			if evt.Result != nil && evt.Result.Price != nil {
				fields = append(fields, zap.Float64("price", *evt.Result.Price))
			}
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
