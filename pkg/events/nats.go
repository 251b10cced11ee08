package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher broadcasts events to live subscribers on subject "<exchange>.<routingKey>".
// NATS core delivery is at-most-once, so it is only used as a mirror of the durable broker.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher creates a publisher on an established connection
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish sends body to the subject derived from exchange and routingKey
func (p *NATSPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: exchange + "." + routingKey,
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", "application/x-protobuf")
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}
