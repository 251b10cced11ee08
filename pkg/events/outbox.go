package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/escrow/pkg/database"
)

// OutboxStatus defines the status of an event in the outbox
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEvent is an event waiting to be relayed to the broker
type OutboxEvent struct {
	ID          uuid.UUID    `db:"id"`
	EventType   string       `db:"event_type"`
	Payload     []byte       `db:"payload"`
	Status      OutboxStatus `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
	ProcessedAt *time.Time   `db:"processed_at"`
}

// NewOutboxEvent creates a pending event
func NewOutboxEvent(eventType string, payload []byte, createdAt time.Time) *OutboxEvent {
	return &OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    OutboxStatusPending,
		CreatedAt: createdAt,
	}
}

// OutboxRepository is the part of the outbox storage the relay needs
type OutboxRepository interface {
	GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEvent, error)
	UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status OutboxStatus) error
}

// EventPublisher defines the interface for publishing events to a broker
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// OutboxRelay polls the database for pending events and publishes them
type OutboxRelay struct {
	outboxRepo OutboxRepository
	publisher  EventPublisher
	txManager  database.TransactionManager
	batchSize  int
	interval   time.Duration
	exchange   string
	logger     *slog.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(
	outboxRepo OutboxRepository,
	publisher EventPublisher,
	txManager database.TransactionManager,
	batchSize int,
	interval time.Duration,
	exchange string,
	logger *slog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		txManager:  txManager,
		batchSize:  batchSize,
		interval:   interval,
		exchange:   exchange,
		logger:     logger,
	}
}

// Run starts the polling loop. It returns nil when ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Drain full batches back to back; wait for the ticker once caught up
		for {
			n, err := r.ProcessBatch(ctx)
			if err != nil {
				r.logger.Error("Error processing outbox batch", "error", err)
				break
			}
			if n < r.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch publishes up to batchSize pending events in creation order and
// returns how many were published. Events published before a failure are still
// marked, so only the failed event and its successors are retried.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.txManager.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Fetch pending events with FOR UPDATE SKIP LOCKED
	events, err := r.outboxRepo.GetPendingEvents(ctx, tx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}

	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	var publishErr error
	for _, event := range events {
		// Routing key is the event type
		if err := r.publisher.Publish(ctx, r.exchange, event.EventType, event.Payload); err != nil {
			publishErr = fmt.Errorf("failed to publish event %s: %w", event.ID, err)
			break
		}

		if err := r.outboxRepo.UpdateEventStatus(ctx, tx, event.ID, OutboxStatusPublished); err != nil {
			return 0, fmt.Errorf("failed to update event status %s: %w", event.ID, err)
		}
		published++
	}

	if published > 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
		r.logger.Info("Relayed outbox events", "count", published)
	}

	return published, publishErr
}
