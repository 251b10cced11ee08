package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/internal/metrics"
	pkgevents "github.com/floroz/escrow/pkg/events"
)

// RefundQueue is the durable queue holding refund instructions
const RefundQueue = "escrow_refund_requests"

// RefundSettler is the part of the bid protocol the executor drives
type RefundSettler interface {
	Self() auction.AccountID
	Refund(ctx context.Context, seq int64) (*auction.Refund, error)
	OnRefundSettled(ctx context.Context, caller auction.AccountID, seq int64, outcome auction.TransferOutcome) (*auction.SettlementResult, error)
}

// RetryPolicy bounds how often a transfer is attempted before it is settled as failed
type RetryPolicy struct {
	MaxAttempts uint
	Delay       time.Duration
}

// RefundExecutor performs dispatched refunds against the ledger and reports
// each outcome back to the escrow as its own account.
type RefundExecutor struct {
	conn    *amqp.Connection
	settler RefundSettler
	ledger  auction.TokenLedger
	policy  RetryPolicy
	logger  *slog.Logger
}

// NewRefundExecutor creates a new refund executor
func NewRefundExecutor(conn *amqp.Connection, settler RefundSettler, ledger auction.TokenLedger, policy RetryPolicy, logger *slog.Logger) *RefundExecutor {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &RefundExecutor{
		conn:    conn,
		settler: settler,
		ledger:  ledger,
		policy:  policy,
		logger:  logger,
	}
}

// Run starts the consumer loop. It returns nil when ctx is cancelled.
func (e *RefundExecutor) Run(ctx context.Context) error {
	ch, err := e.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if setupErr := e.setupRabbitMQ(ch); setupErr != nil {
		return fmt.Errorf("failed to setup rabbitmq: %w", setupErr)
	}

	// One unacknowledged refund at a time keeps transfers in dispatch order
	if qosErr := ch.Qos(1, 0, false); qosErr != nil {
		return fmt.Errorf("failed to set qos: %w", qosErr)
	}

	msgs, err := ch.Consume(
		RefundQueue, // queue
		"",          // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	e.logger.Info("Waiting for refund instructions...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			e.handleDelivery(ctx, d)
		}
	}
}

func (e *RefundExecutor) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var req auction.RefundRequested
	if err := req.Unmarshal(d.Body); err != nil {
		e.logger.Error("Failed to unmarshal refund instruction", "error", err)
		// A malformed instruction will never parse; drop it
		if nackErr := d.Nack(false, false); nackErr != nil {
			e.logger.Error("Failed to Nack message", "error", nackErr)
		}
		return
	}

	err := e.Execute(ctx, &req)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			e.logger.Error("Failed to Ack message", "error", ackErr)
		}
	case errors.Is(err, auction.ErrRefundNotFound):
		e.logger.Error("Refund instruction references an unknown refund", "seq", req.Seq)
		if nackErr := d.Nack(false, false); nackErr != nil {
			e.logger.Error("Failed to Nack message", "error", nackErr)
		}
	default:
		e.logger.Error("Failed to execute refund", "seq", req.Seq, "error", err)
		// Requeue: the refund stays dispatched until a settlement is recorded
		if nackErr := d.Nack(false, true); nackErr != nil {
			e.logger.Error("Failed to Nack message (requeue)", "error", nackErr)
		}
	}
}

// Execute transfers one refund and settles it. It is safe to call again for a
// redelivered instruction: settled refunds are skipped and the ledger
// deduplicates transfers by the refund's idempotency key.
func (e *RefundExecutor) Execute(ctx context.Context, req *auction.RefundRequested) error {
	refund, err := e.settler.Refund(ctx, req.Seq)
	if err != nil {
		return fmt.Errorf("failed to load refund %d: %w", req.Seq, err)
	}
	if refund.IsSettled() {
		e.logger.Info("Refund already settled, skipping", "seq", refund.Seq)
		return nil
	}

	outcome, err := e.transfer(ctx, refund)
	if err != nil {
		return err
	}

	if _, err := e.settler.OnRefundSettled(ctx, e.settler.Self(), refund.Seq, outcome); err != nil {
		if errors.Is(err, auction.ErrRefundAlreadySettled) {
			return nil
		}
		return fmt.Errorf("failed to settle refund %d: %w", refund.Seq, err)
	}
	return nil
}

// transfer returns the outcome to record. It only returns an error when ctx is
// done, in which case nothing must be recorded.
func (e *RefundExecutor) transfer(ctx context.Context, refund *auction.Refund) (auction.TransferOutcome, error) {
	instruction := auction.TransferInstruction{
		To:     refund.Bidder,
		Amount: refund.Amount,
		Memo:   refund.IdempotencyKey(),
	}

	observe := metrics.LedgerTransferTimer()
	var receipt auction.TransferReceipt
	err := retry.Do(
		func() error {
			var err error
			receipt, err = e.ledger.Transfer(ctx, instruction)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(e.policy.MaxAttempts),
		retry.Delay(e.policy.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, auction.ErrTransferRejected)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("Retrying refund transfer", "seq", refund.Seq, "attempt", n+1, "error", err)
		}),
	)

	if err == nil {
		observe("success")
		if receipt.Replayed {
			e.logger.Info("Ledger replayed refund transfer", "seq", refund.Seq, "tx_id", receipt.TxID)
		}
		return auction.SucceededOutcome(receipt.TxID), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		observe("cancelled")
		return auction.TransferOutcome{}, fmt.Errorf("refund %d interrupted: %w", refund.Seq, ctxErr)
	}
	observe("failure")
	return auction.FailedOutcome(err.Error()), nil
}

func (e *RefundExecutor) setupRabbitMQ(ch *amqp.Channel) error {
	if err := pkgevents.DeclareExchange(ch); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		RefundQueue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return err
	}

	return ch.QueueBind(
		q.Name,                                    // queue name
		auction.EventTypeRefundRequested.String(), // routing key
		pkgevents.ExchangeName,                    // exchange
		false,
		nil,
	)
}
