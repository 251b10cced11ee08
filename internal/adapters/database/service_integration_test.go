//go:build integration

package database_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infradb "github.com/floroz/escrow/internal/adapters/database"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/internal/domain/auction/auctiontest"
	"github.com/floroz/escrow/pkg/database"
	pkgevents "github.com/floroz/escrow/pkg/events"
	"github.com/floroz/escrow/pkg/testhelpers"
)

const (
	self       auction.AccountID = "escrow.test"
	token      auction.AccountID = "token.test"
	auctioneer auction.AccountID = "seller.test"
)

func newService(pool *pgxpool.Pool, clock *auctiontest.Clock) *auction.Service {
	return auction.NewService(
		self,
		database.NewPostgresTransactionManager(pool, 5*time.Second),
		infradb.NewPostgresStateRepository(pool),
		infradb.NewPostgresBidRepository(pool),
		infradb.NewPostgresRefundRepository(pool),
		infradb.NewPostgresLiabilityRepository(pool),
		infradb.NewPostgresOutboxRepository(pool),
		auctiontest.DiscardLogger(),
		auction.WithClock(clock.Now),
	)
}

func initialize(t *testing.T, service *auction.Service) {
	t.Helper()
	_, err := service.Initialize(context.Background(), self, auction.InitCommand{
		EndTime:       auctiontest.At(1000),
		Auctioneer:    auctioneer,
		AcceptedToken: token,
	})
	require.NoError(t, err)
}

func bid(sender auction.AccountID, amount string) auction.TransferNotification {
	return auction.TransferNotification{Notifier: token, Sender: sender, Amount: auction.MustParseAmount(amount)}
}

func pendingEvents(t *testing.T, pool *pgxpool.Pool) []*pkgevents.OutboxEvent {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	events, err := infradb.NewPostgresOutboxRepository(pool).GetPendingEvents(ctx, tx, 100)
	require.NoError(t, err)
	return events
}

func TestService_Integration(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t)
	defer testDB.Close()
	ctx := context.Background()

	t.Run("scenario", func(t *testing.T) {
		testDB.CleanDatabase(t)
		clock := auctiontest.NewClock(auctiontest.At(0))
		service := newService(testDB.Pool, clock)
		initialize(t, service)

		_, err := service.Initialize(ctx, self, auction.InitCommand{EndTime: auctiontest.At(5), Auctioneer: auctioneer, AcceptedToken: token})
		assert.ErrorIs(t, err, auction.ErrAlreadyInitialized)

		clock.Set(auctiontest.At(1))
		first, err := service.AcceptBid(ctx, bid("b1.test", "50"))
		require.NoError(t, err)
		assert.Nil(t, first.Refund)

		clock.Set(auctiontest.At(2))
		second, err := service.AcceptBid(ctx, bid("b2.test", "50"))
		require.NoError(t, err)
		require.NotNil(t, second.Refund)
		assert.Equal(t, int64(1), second.Refund.Seq)

		clock.Set(auctiontest.At(3))
		_, err = service.AcceptBid(ctx, bid("b3.test", "10"))
		assert.ErrorIs(t, err, auction.ErrBidTooLow)

		clock.Set(auctiontest.At(1001))
		_, err = service.AcceptBid(ctx, bid("b4.test", "60"))
		assert.ErrorIs(t, err, auction.ErrAuctionEnded)

		highest, err := service.HighestBid(ctx)
		require.NoError(t, err)
		assert.Equal(t, auction.AccountID("b2.test"), highest.Bidder)
		assert.True(t, highest.Amount.Equal(auction.NewAmount(50)))

		endTime, err := service.EndTime(ctx)
		require.NoError(t, err)
		assert.True(t, endTime.Equal(auctiontest.At(1000)))

		refund, err := service.Refund(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, auction.AccountID("b1.test"), refund.Bidder)
		assert.Equal(t, auction.RefundStatusDispatched, refund.Status)
		require.NotNil(t, refund.CauseBidID)
		assert.Equal(t, second.Bid.ID, *refund.CauseBidID)

		var types []string
		for _, e := range pendingEvents(t, testDB.Pool) {
			types = append(types, e.EventType)
		}
		assert.Equal(t, []string{
			auction.EventTypeBidAccepted.String(),
			auction.EventTypeRefundRequested.String(),
			auction.EventTypeBidAccepted.String(),
		}, types)
	})

	t.Run("amounts up to 2^128-1 round trip", func(t *testing.T) {
		testDB.CleanDatabase(t)
		clock := auctiontest.NewClock(auctiontest.At(1))
		service := newService(testDB.Pool, clock)
		initialize(t, service)

		_, err := service.AcceptBid(ctx, bid("b1.test", "18446744073709551616"))
		require.NoError(t, err)
		res, err := service.AcceptBid(ctx, bid("b2.test", auction.MaxAmount.String()))
		require.NoError(t, err)

		refund, err := service.Refund(ctx, res.Refund.Seq)
		require.NoError(t, err)
		assert.Equal(t, "18446744073709551616", refund.Amount.String())

		highest, err := service.HighestBid(ctx)
		require.NoError(t, err)
		assert.True(t, highest.Amount.Equal(auction.MaxAmount))
	})

	t.Run("settlement and reclaim", func(t *testing.T) {
		testDB.CleanDatabase(t)
		clock := auctiontest.NewClock(auctiontest.At(1))
		service := newService(testDB.Pool, clock)
		initialize(t, service)

		_, err := service.AcceptBid(ctx, bid("b1.test", "50"))
		require.NoError(t, err)
		res, err := service.AcceptBid(ctx, bid("b2.test", "60"))
		require.NoError(t, err)

		_, err = service.OnRefundSettled(ctx, "b1.test", res.Refund.Seq, auction.SucceededOutcome("tx"))
		assert.ErrorIs(t, err, auction.ErrUnauthorized)

		settled, err := service.OnRefundSettled(ctx, self, res.Refund.Seq, auction.FailedOutcome("receiver missing"))
		require.NoError(t, err)
		require.NotNil(t, settled.Liability)
		assert.True(t, settled.Refunded.IsZero())

		_, err = service.OnRefundSettled(ctx, self, res.Refund.Seq, auction.SucceededOutcome("tx"))
		assert.ErrorIs(t, err, auction.ErrRefundAlreadySettled)

		refund, err := service.Refund(ctx, res.Refund.Seq)
		require.NoError(t, err)
		require.NotNil(t, refund.Outcome)
		assert.False(t, refund.Outcome.Success)
		assert.Equal(t, "receiver missing", refund.Outcome.Reason)

		reclaim, err := service.ReclaimLiability(ctx, "b1.test", settled.Liability.ID)
		require.NoError(t, err)
		require.NotNil(t, reclaim.LiabilityID)

		_, err = service.ReclaimLiability(ctx, "b1.test", settled.Liability.ID)
		assert.ErrorIs(t, err, auction.ErrLiabilityNotOutstanding)

		settled, err = service.OnRefundSettled(ctx, self, reclaim.Seq, auction.SucceededOutcome("tx-2"))
		require.NoError(t, err)
		assert.Equal(t, auction.LiabilityStatusReclaimed, settled.Liability.Status)

		owed, err := service.Liabilities(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, owed)
	})

	t.Run("concurrent bids conserve funds", func(t *testing.T) {
		testDB.CleanDatabase(t)
		clock := auctiontest.NewClock(auctiontest.At(1))
		service := newService(testDB.Pool, clock)
		initialize(t, service)

		const bidders = 20
		var wg sync.WaitGroup
		accepted := make(chan auction.Amount, bidders)
		for i := 1; i <= bidders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n := bid(auction.AccountID(fmt.Sprintf("b%d.test", i)), fmt.Sprint(i*10))
				if _, err := service.AcceptBid(ctx, n); err == nil {
					accepted <- n.Amount
				} else {
					assert.ErrorIs(t, err, auction.ErrBidTooLow)
				}
			}(i)
		}
		wg.Wait()
		close(accepted)

		total := auction.ZeroAmount.BigInt()
		count := 0
		for amount := range accepted {
			total.Add(total, amount.BigInt())
			count++
		}

		bids, err := service.Bids(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, bids, count)

		highest, err := service.HighestBid(ctx)
		require.NoError(t, err)

		// Every accepted bid is either the highest or owed back through a refund
		refunded := auction.ZeroAmount.BigInt()
		for seq := int64(1); seq < int64(count); seq++ {
			refund, err := service.Refund(ctx, seq)
			require.NoError(t, err)
			refunded.Add(refunded, refund.Amount.BigInt())
		}
		_, err = service.Refund(ctx, int64(count))
		assert.ErrorIs(t, err, auction.ErrRefundNotFound)

		assert.Equal(t, 0, total.Cmp(refunded.Add(refunded, highest.Amount.BigInt())))
	})
}
