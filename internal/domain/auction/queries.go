package auction

import (
	"context"
	"time"
)

const maxListBids = 100

// HighestBid returns the leading bid. It reads through the cache when one is configured.
func (s *Service) HighestBid(ctx context.Context) (Bid, error) {
	if s.cache != nil {
		snapshot, err := s.cache.GetHighestBid(ctx)
		if err != nil {
			s.logger.Warn("Failed to read cached highest bid", "error", err)
		} else if snapshot != nil && snapshot.Version >= s.cacheFloor.Load() {
			return snapshot.Bid, nil
		}
	}

	state, err := s.stateRepo.GetState(ctx)
	if err != nil {
		return Bid{}, err
	}
	s.refreshCache(ctx, BidSnapshot{Bid: state.HighestBid, Version: state.Version})
	return state.CurrentHighestBid(), nil
}

// EndTime returns when the auction stops accepting bids
func (s *Service) EndTime(ctx context.Context) (time.Time, error) {
	state, err := s.stateRepo.GetState(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return state.EndTime, nil
}

// State returns the full auction record
func (s *Service) State(ctx context.Context) (*State, error) {
	return s.stateRepo.GetState(ctx)
}

// Refund returns a registry entry by sequence number
func (s *Service) Refund(ctx context.Context, seq int64) (*Refund, error) {
	return s.refundRepo.GetRefund(ctx, seq)
}

// Liabilities lists what is owed to bidder, or every outstanding liability when bidder is empty
func (s *Service) Liabilities(ctx context.Context, bidder AccountID) ([]*Liability, error) {
	return s.liabilityRepo.ListLiabilities(ctx, bidder)
}

// Bids returns the most recent accepted bids
func (s *Service) Bids(ctx context.Context, limit int) ([]*AcceptedBid, error) {
	if limit <= 0 || limit > maxListBids {
		limit = maxListBids
	}
	return s.bidRepo.ListBids(ctx, limit)
}
