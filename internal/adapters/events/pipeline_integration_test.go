//go:build integration

package events_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	infradb "github.com/floroz/escrow/internal/adapters/database"
	"github.com/floroz/escrow/internal/adapters/events"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/internal/domain/auction/auctiontest"
	"github.com/floroz/escrow/pkg/database"
	pkgevents "github.com/floroz/escrow/pkg/events"
	"github.com/floroz/escrow/pkg/testhelpers"
)

// TestRefundPipelineIntegration drives a displaced bid from the outbox through
// RabbitMQ to the refund executor and back into the registry.
func TestRefundPipelineIntegration(t *testing.T) {
	ctx := context.Background()
	logger := auctiontest.DiscardLogger()

	// 1. Start RabbitMQ
	rabbitmqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
		rabbitmq.WithAdminPassword("password"),
	)
	require.NoError(t, err)
	defer func() {
		if termErr := rabbitmqContainer.Terminate(ctx); termErr != nil {
			t.Fatalf("failed to terminate container: %s", termErr)
		}
	}()

	amqpURL, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// 2. Setup Postgres
	testDB := testhelpers.NewTestDatabase(t)
	defer testDB.Close()
	pool := testDB.Pool

	conn, err := amqp.Dial(amqpURL)
	require.NoError(t, err)
	defer conn.Close()

	// 3. Wire the escrow
	clock := auctiontest.NewClock(auctiontest.At(1))
	service := auction.NewService(
		auctiontest.Self,
		database.NewPostgresTransactionManager(pool, 5*time.Second),
		infradb.NewPostgresStateRepository(pool),
		infradb.NewPostgresBidRepository(pool),
		infradb.NewPostgresRefundRepository(pool),
		infradb.NewPostgresLiabilityRepository(pool),
		infradb.NewPostgresOutboxRepository(pool),
		logger,
		auction.WithClock(clock.Now),
	)
	_, err = service.Initialize(ctx, auctiontest.Self, auction.InitCommand{
		EndTime:       auctiontest.At(1000),
		Auctioneer:    "seller.test",
		AcceptedToken: "token.test",
	})
	require.NoError(t, err)

	producer, err := events.NewEscrowEventsProducer(pool, conn, nil, events.ProducerConfig{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		LockTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)
	defer producer.Close()

	ledger := &auctiontest.Ledger{}
	ledger.Script(auctiontest.TransferResult{Err: assert.AnError})
	executor := events.NewRefundExecutor(conn, service, ledger, events.RetryPolicy{
		MaxAttempts: 3,
		Delay:       10 * time.Millisecond,
	}, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errChan := make(chan error, 2)
	go func() { errChan <- executor.Run(runCtx) }()

	// The executor declares and binds its queue; wait for it before producing
	require.Eventually(t, func() bool {
		ch, chErr := conn.Channel()
		if chErr != nil {
			return false
		}
		defer ch.Close()
		_, qErr := ch.QueueDeclarePassive(events.RefundQueue, true, false, false, false, nil)
		return qErr == nil
	}, 10*time.Second, 100*time.Millisecond)

	go func() { errChan <- producer.Run(runCtx) }()

	// 4. Displace a bid
	notify := func(sender string, amount uint64) *auction.AcceptResult {
		res, bidErr := service.AcceptBid(ctx, auction.TransferNotification{
			Notifier: "token.test",
			Sender:   auction.AccountID(sender),
			Amount:   auction.NewAmount(amount),
		})
		require.NoError(t, bidErr)
		return res
	}
	notify("b1.test", 50)
	res := notify("b2.test", 70)
	require.NotNil(t, res.Refund)

	// 5. The refund is transferred after one transient failure and settled
	require.Eventually(t, func() bool {
		refund, getErr := service.Refund(ctx, res.Refund.Seq)
		return getErr == nil && refund.IsSettled()
	}, 15*time.Second, 100*time.Millisecond)

	refund, err := service.Refund(ctx, res.Refund.Seq)
	require.NoError(t, err)
	assert.True(t, refund.Outcome.Success)
	assert.Equal(t, "tx-escrow-refund-1", refund.Outcome.LedgerTxID)

	calls := ledger.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, auction.AccountID("b1.test"), calls[1].To)
	assert.True(t, calls[1].Amount.Equal(auction.NewAmount(50)))

	// The settlement itself is announced through the outbox
	require.Eventually(t, func() bool {
		var published int
		scanErr := pool.QueryRow(ctx,
			`SELECT count(*) FROM outbox_events WHERE event_type = $1 AND status::text = $2`,
			auction.EventTypeRefundSettled.String(), string(pkgevents.OutboxStatusPublished),
		).Scan(&published)
		return scanErr == nil && published == 1
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case runErr := <-errChan:
			assert.NoError(t, runErr)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}
