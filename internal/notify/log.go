package notify

import (
	"context"
	"log/slog"

	"github.com/floorlab/nftindexer/internal/domain"
)

// LogSink writes change records to the structured log. It is always wired in
// alongside the bus so cache movements stay visible without a subscriber.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "changes"))}
}

// Publish logs the change at info level.
func (s *LogSink) Publish(ctx context.Context, change domain.AggregateChange) error {
	attrs := []any{
		slog.String("entity", string(change.Entity)),
		slog.String("kind", string(change.Kind)),
		slog.String("id", change.EntityID),
		slog.String("trigger", string(change.Trigger.Kind)),
	}
	if change.After != nil && change.After.Value != nil {
		attrs = append(attrs, slog.String("value", change.After.Value.String()))
	} else {
		attrs = append(attrs, slog.String("value", "none"))
	}
	s.logger.InfoContext(ctx, "aggregate changed", attrs...)
	return nil
}

// Name returns the sink identifier.
func (s *LogSink) Name() string {
	return "log"
}
