package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/floroz/escrow/internal/adapters/database"
	pkgdb "github.com/floroz/escrow/pkg/database"
	pkgevents "github.com/floroz/escrow/pkg/events"
)

// ProducerConfig tunes the outbox relay
type ProducerConfig struct {
	BatchSize   int
	Interval    time.Duration
	LockTimeout time.Duration
}

// EscrowEventsProducer relays escrow events from the outbox to RabbitMQ,
// mirroring them to NATS when a NATS connection is supplied
type EscrowEventsProducer struct {
	relay     *pkgevents.OutboxRelay
	publisher *pkgevents.RabbitMQPublisher
}

// NewEscrowEventsProducer creates a new producer. natsConn may be nil.
func NewEscrowEventsProducer(
	pool *pgxpool.Pool,
	conn *amqp.Connection,
	natsConn *nats.Conn,
	cfg ProducerConfig,
	logger *slog.Logger,
) (*EscrowEventsProducer, error) {
	publisher, err := pkgevents.NewRabbitMQPublisher(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	var mirrors []pkgevents.EventPublisher
	if natsConn != nil {
		mirrors = append(mirrors, pkgevents.NewNATSPublisher(natsConn))
	}

	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.LockTimeout)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	relay := pkgevents.NewOutboxRelay(
		outboxRepo,
		pkgevents.NewFanoutPublisher(publisher, logger, mirrors...),
		txManager,
		cfg.BatchSize,
		cfg.Interval,
		pkgevents.ExchangeName,
		logger,
	)

	return &EscrowEventsProducer{
		relay:     relay,
		publisher: publisher,
	}, nil
}

// Run starts the relay loop
func (p *EscrowEventsProducer) Run(ctx context.Context) error {
	return p.relay.Run(ctx)
}

// Close closes the publisher channel
func (p *EscrowEventsProducer) Close() error {
	return p.publisher.Close()
}
