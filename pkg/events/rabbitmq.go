package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange all escrow events are published to
const ExchangeName = "escrow.events"

// DeclareExchange ensures the escrow topic exchange exists on ch
func DeclareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
}

// RabbitMQPublisher implements EventPublisher with publisher confirms
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher
func NewRabbitMQPublisher(conn *amqp.Connection) (*RabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// An event is only marked published once the broker has confirmed it
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitMQPublisher{
		conn:    conn,
		channel: ch,
	}, nil
}

// Close closes the channel
func (p *RabbitMQPublisher) Close() error {
	return p.channel.Close()
}

// Publish publishes a persistent message and waits for the broker to confirm it
func (p *RabbitMQPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			Type:         routingKey,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", routingKey)
	}
	return nil
}
