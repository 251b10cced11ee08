//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floroz/escrow/internal/adapters/cache"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/pkg/testhelpers"
)

func snapshot(bidder string, amount string, version int64) auction.BidSnapshot {
	return auction.BidSnapshot{
		Bid:     auction.Bid{Bidder: auction.AccountID(bidder), Amount: auction.MustParseAmount(amount)},
		Version: version,
	}
}

func TestRedisHighestBidCache_Integration(t *testing.T) {
	client := testhelpers.NewTestRedis(t)
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		require.NoError(t, client.FlushAll(ctx).Err())
		got, err := cache.NewRedisHighestBidCache(client, time.Minute).GetHighestBid(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("newer versions win", func(t *testing.T) {
		require.NoError(t, client.FlushAll(ctx).Err())
		c := cache.NewRedisHighestBidCache(client, time.Minute)

		require.NoError(t, c.SetHighestBid(ctx, snapshot("b1.test", "50", 2)))
		require.NoError(t, c.SetHighestBid(ctx, snapshot("b2.test", auction.MaxAmount.String(), 3)))
		// A late writer holding an older state must not roll the cache back
		require.NoError(t, c.SetHighestBid(ctx, snapshot("b1.test", "50", 2)))

		got, err := c.GetHighestBid(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, auction.AccountID("b2.test"), got.Bid.Bidder)
		assert.True(t, got.Bid.Amount.Equal(auction.MaxAmount))
	})

	t.Run("entries expire", func(t *testing.T) {
		require.NoError(t, client.FlushAll(ctx).Err())
		c := cache.NewRedisHighestBidCache(client, time.Minute)
		require.NoError(t, c.SetHighestBid(ctx, snapshot("b1.test", "50", 2)))

		ttl, err := client.PTTL(ctx, cache.HighestBidKey).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("corrupt entry is an error", func(t *testing.T) {
		require.NoError(t, client.FlushAll(ctx).Err())
		require.NoError(t, client.HSet(ctx, cache.HighestBidKey, "version", "2", "bidder", "b1.test", "amount", "-1").Err())

		_, err := cache.NewRedisHighestBidCache(client, time.Minute).GetHighestBid(ctx)
		assert.ErrorIs(t, err, auction.ErrInvalidAmount)
	})
}
