package events

import (
	"context"
	"log/slog"
)

// FanoutPublisher publishes to a primary broker and mirrors every event to
// best-effort secondaries. Only a primary failure is returned to the caller.
type FanoutPublisher struct {
	primary EventPublisher
	mirrors []EventPublisher
	logger  *slog.Logger
}

// NewFanoutPublisher creates a publisher that mirrors primary to mirrors
func NewFanoutPublisher(primary EventPublisher, logger *slog.Logger, mirrors ...EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{
		primary: primary,
		mirrors: mirrors,
		logger:  logger,
	}
}

// Publish publishes to the primary first; mirrors only see events the primary accepted
func (p *FanoutPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.primary.Publish(ctx, exchange, routingKey, body); err != nil {
		return err
	}
	for _, mirror := range p.mirrors {
		if err := mirror.Publish(ctx, exchange, routingKey, body); err != nil {
			p.logger.Warn("Failed to mirror event", "routing_key", routingKey, "error", err)
		}
	}
	return nil
}
