package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log. It is the local default.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that logs at info level.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("event_key", event.Key),
		zap.Time("occurred_at", event.OccurredAt),
		zap.Any("attributes", event.Attributes),
		zap.ByteString("payload", payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}
