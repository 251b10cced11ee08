// Package cache holds the Redis read model for the public highest bid query.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floroz/escrow/internal/domain/auction"
)

// HighestBidKey is the hash holding the cached snapshot
const HighestBidKey = "escrow:highest_bid"

// setIfNewer only overwrites the snapshot with a strictly newer state version,
// so a slow writer can never roll the cache back.
var setIfNewer = redis.NewScript(`
	-- KEYS[1]: snapshot hash
	-- ARGV[1]: state version, ARGV[2]: bidder, ARGV[3]: amount, ARGV[4]: ttl in ms
	local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
	local incoming = tonumber(ARGV[1])

	if incoming <= current then
		return 0
	end

	redis.call('HSET', KEYS[1], 'version', ARGV[1], 'bidder', ARGV[2], 'amount', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 1
`)

// RedisHighestBidCache implements auction.HighestBidCache
type RedisHighestBidCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ auction.HighestBidCache = (*RedisHighestBidCache)(nil)

// NewRedisHighestBidCache creates a cache whose entries expire after ttl
func NewRedisHighestBidCache(client *redis.Client, ttl time.Duration) *RedisHighestBidCache {
	return &RedisHighestBidCache{client: client, ttl: ttl}
}

// GetHighestBid returns nil when nothing is cached
func (c *RedisHighestBidCache) GetHighestBid(ctx context.Context) (*auction.BidSnapshot, error) {
	fields, err := c.client.HGetAll(ctx, HighestBidKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached bid: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached version: %w", err)
	}
	amount, err := auction.ParseAmount(fields["amount"])
	if err != nil {
		return nil, fmt.Errorf("corrupt cached amount: %w", err)
	}

	return &auction.BidSnapshot{
		Bid:     auction.Bid{Bidder: auction.AccountID(fields["bidder"]), Amount: amount},
		Version: version,
	}, nil
}

// SetHighestBid stores snapshot unless the cache already holds a newer version
func (c *RedisHighestBidCache) SetHighestBid(ctx context.Context, snapshot auction.BidSnapshot) error {
	err := setIfNewer.Run(ctx, c.client,
		[]string{HighestBidKey},
		snapshot.Version,
		snapshot.Bid.Bidder.String(),
		snapshot.Bid.Amount.String(),
		c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to execute cache script: %w", err)
	}
	return nil
}
