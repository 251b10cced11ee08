package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/escrow/internal/metrics"
	"github.com/floroz/escrow/pkg/database"
	"github.com/floroz/escrow/pkg/events"
)

// validateBid checks the bid preconditions in order. Ties are accepted: a bid
// equal to the current highest displaces the previous leader.
func validateBid(state *State, n TransferNotification, now time.Time) error {
	if !state.IsOpen(now) {
		return ErrAuctionEnded
	}
	if !state.Accepts(n.Notifier) {
		return ErrUnsupportedToken
	}
	if n.Amount.LessThan(state.HighestBid.Amount) {
		return ErrBidTooLow
	}
	return nil
}

// Service is the bid protocol: it swaps in new highest bids, dispatches refunds
// to displaced bidders and settles them when the ledger reports the outcome.
//
// Every entry point runs in one database transaction holding the row lock of
// the record it mutates, so entry points are atomic with respect to each other.
type Service struct {
	self          AccountID
	txManager     database.TransactionManager
	stateRepo     StateRepository
	bidRepo       BidRepository
	refundRepo    RefundRepository
	liabilityRepo LiabilityRepository
	outboxRepo    OutboxRepository
	cache         HighestBidCache
	cacheFloor    atomic.Int64 // lowest cached version HighestBid may serve
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures optional Service collaborators
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithHighestBidCache enables the read-through cache for HighestBid
func WithHighestBidCache(cache HighestBidCache) Option {
	return func(s *Service) { s.cache = cache }
}

// NewService creates the bid protocol for the escrow account self
func NewService(
	self AccountID,
	txManager database.TransactionManager,
	stateRepo StateRepository,
	bidRepo BidRepository,
	refundRepo RefundRepository,
	liabilityRepo LiabilityRepository,
	outboxRepo OutboxRepository,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		self:          self,
		txManager:     txManager,
		stateRepo:     stateRepo,
		bidRepo:       bidRepo,
		refundRepo:    refundRepo,
		liabilityRepo: liabilityRepo,
		outboxRepo:    outboxRepo,
		clock:         time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the escrow's own ledger account
func (s *Service) Self() AccountID {
	return s.self
}

// Initialize creates the auction. Only the escrow's own account may call it, once.
func (s *Service) Initialize(ctx context.Context, caller AccountID, cmd InitCommand) (*State, error) {
	if caller != s.self {
		return nil, ErrUnauthorized
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	state := &State{
		// The sentinel bid is refundable to nobody: its amount is zero.
		HighestBid:    Bid{Bidder: s.self, Amount: ZeroAmount},
		EndTime:       cmd.EndTime,
		Auctioneer:    cmd.Auctioneer,
		Claimed:       false,
		AcceptedToken: cmd.AcceptedToken,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := s.stateRepo.CreateState(ctx, tx, state); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.refreshCache(ctx, BidSnapshot{Bid: state.HighestBid, Version: state.Version})
	s.logger.Info("Auction initialized",
		"end_time", state.EndTime,
		"auctioneer", state.Auctioneer,
		"accepted_token", state.AcceptedToken,
	)
	return state, nil
}

// AcceptBid handles a ledger notification of funds sent to the escrow.
//
// On success the new bid is committed together with the refund instruction for
// the displaced bidder (none when the displaced amount is zero), and the whole
// transfer is reported as consumed. On any error nothing is mutated and the
// ledger must return the transfer to its sender.
func (s *Service) AcceptBid(ctx context.Context, n TransferNotification) (*AcceptResult, error) {
	if n.Sender.IsZero() {
		metrics.BidRejected(string(RejectionInvalidSender))
		return nil, ErrInvalidSender
	}

	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	state, err := s.stateRepo.GetStateForUpdate(ctx, tx)
	if err != nil {
		if reason, ok := Rejection(err); ok {
			metrics.BidRejected(string(reason))
		}
		return nil, err
	}

	now := s.clock()
	if valErr := validateBid(state, n, now); valErr != nil {
		reason, _ := Rejection(valErr)
		metrics.BidRejected(string(reason))
		s.logger.Info("Bid rejected",
			"reason", reason,
			"notifier", n.Notifier,
			"sender", n.Sender,
			"amount", n.Amount,
		)
		return nil, valErr
	}

	displaced := state.CurrentHighestBid()
	bid := &AcceptedBid{
		ID:         uuid.New(),
		Bidder:     n.Sender,
		Amount:     n.Amount,
		Memo:       n.Message,
		AcceptedAt: now,
	}

	// Step 1: swap the highest bid
	version, err := s.stateRepo.UpdateHighestBid(ctx, tx, bid.Bid(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to update highest bid: %w", err)
	}

	// Step 2: append to the bid log
	if err := s.bidRepo.SaveBid(ctx, tx, bid); err != nil {
		return nil, fmt.Errorf("failed to save bid: %w", err)
	}

	// Step 3: refund the displaced bidder, unless it is the zero-amount sentinel
	var refund *Refund
	if !displaced.Amount.IsZero() {
		refund, err = s.dispatchRefund(ctx, tx, displaced, &bid.ID, nil, now)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: announce the bid
	event := &BidAccepted{
		BidID:           bid.ID,
		Bidder:          bid.Bidder,
		Amount:          bid.Amount,
		DisplacedBidder: displaced.Bidder,
		DisplacedAmount: displaced.Amount,
		AcceptedAt:      now,
	}
	if refund != nil {
		event.RefundSeq = refund.Seq
	}
	if err := s.saveEvent(ctx, tx, EventTypeBidAccepted, event, now); err != nil {
		return nil, err
	}

	// The refund instruction only becomes visible to the executor on commit
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.BidAccepted()
	if refund != nil {
		metrics.RefundDispatched()
	}
	s.refreshCache(ctx, BidSnapshot{Bid: bid.Bid(), Version: version})

	logAttrs := []any{"bid_id", bid.ID, "bidder", bid.Bidder, "amount", bid.Amount}
	if refund != nil {
		logAttrs = append(logAttrs, "refund_seq", refund.Seq, "displaced_bidder", displaced.Bidder)
	}
	s.logger.Info("Bid accepted", logAttrs...)

	return &AcceptResult{
		Bid:       bid,
		Displaced: displaced,
		Refund:    refund,
		Consumed:  n.Amount,
	}, nil
}

// OnRefundSettled is the continuation of a dispatched refund. It only accepts
// calls from the escrow's own account. A failed transfer is never dropped: it
// becomes an outstanding liability that the bidder can reclaim.
func (s *Service) OnRefundSettled(ctx context.Context, caller AccountID, seq int64, outcome TransferOutcome) (*SettlementResult, error) {
	if caller != s.self {
		return nil, ErrUnauthorized
	}

	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	refund, err := s.refundRepo.GetRefundForUpdate(ctx, tx, seq)
	if err != nil {
		return nil, err
	}
	if refund.IsSettled() {
		return nil, ErrRefundAlreadySettled
	}

	now := s.clock()
	if err := s.refundRepo.MarkSettled(ctx, tx, seq, outcome, now); err != nil {
		return nil, fmt.Errorf("failed to settle refund: %w", err)
	}
	refund.Status = RefundStatusSettled
	refund.Outcome = &outcome
	refund.SettledAt = &now

	result := &SettlementResult{Refund: refund, Refunded: ZeroAmount}
	if outcome.Success {
		result.Refunded = refund.Amount
	}

	switch {
	case refund.LiabilityID != nil:
		liability, err := s.liabilityRepo.GetLiabilityForUpdate(ctx, tx, *refund.LiabilityID)
		if err != nil {
			return nil, err
		}
		if outcome.Success {
			liability.Status = LiabilityStatusReclaimed
		} else {
			liability.Status = LiabilityStatusOutstanding
			liability.Attempts++
			liability.LastError = outcome.Reason
		}
		liability.UpdatedAt = now
		if err := s.liabilityRepo.UpdateLiability(ctx, tx, liability); err != nil {
			return nil, fmt.Errorf("failed to update liability: %w", err)
		}
		result.Liability = liability
	case !outcome.Success:
		liability := &Liability{
			ID:        uuid.New(),
			Bidder:    refund.Bidder,
			Amount:    refund.Amount,
			RefundSeq: refund.Seq,
			Status:    LiabilityStatusOutstanding,
			Attempts:  1,
			LastError: outcome.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.liabilityRepo.CreateLiability(ctx, tx, liability); err != nil {
			return nil, fmt.Errorf("failed to record liability: %w", err)
		}
		result.Liability = liability
	}

	event := &RefundSettled{
		Seq:        refund.Seq,
		Bidder:     refund.Bidder,
		Amount:     refund.Amount,
		Success:    outcome.Success,
		Reason:     outcome.Reason,
		LedgerTxID: outcome.LedgerTxID,
		SettledAt:  now,
	}
	if result.Liability != nil {
		event.LiabilityID = result.Liability.ID
	}
	if err := s.saveEvent(ctx, tx, EventTypeRefundSettled, event, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RefundSettled(outcome.Success)
	if outcome.Success {
		if result.Liability != nil {
			metrics.LiabilityReclaimed()
		}
		s.logger.Info("Refund settled", "seq", refund.Seq, "bidder", refund.Bidder, "amount", refund.Amount)
	} else {
		if refund.LiabilityID == nil {
			metrics.LiabilityRecorded()
		}
		s.logger.Warn("Refund failed, liability outstanding",
			"seq", refund.Seq,
			"bidder", refund.Bidder,
			"amount", refund.Amount,
			"liability_id", result.Liability.ID,
			"error", outcome.Err(),
		)
	}

	return result, nil
}

// ReclaimLiability dispatches a new refund for an outstanding liability.
// The bidder it is owed to and the escrow's own account may call it.
func (s *Service) ReclaimLiability(ctx context.Context, caller AccountID, liabilityID uuid.UUID) (*Refund, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	liability, err := s.liabilityRepo.GetLiabilityForUpdate(ctx, tx, liabilityID)
	if err != nil {
		return nil, err
	}
	if caller != liability.Bidder && caller != s.self {
		return nil, ErrUnauthorized
	}
	if !liability.IsOutstanding() {
		return nil, ErrLiabilityNotOutstanding
	}

	now := s.clock()
	refund, err := s.dispatchRefund(ctx, tx, Bid{Bidder: liability.Bidder, Amount: liability.Amount}, nil, &liability.ID, now)
	if err != nil {
		return nil, err
	}

	liability.Status = LiabilityStatusReclaiming
	liability.ReclaimSeq = &refund.Seq
	liability.UpdatedAt = now
	if err := s.liabilityRepo.UpdateLiability(ctx, tx, liability); err != nil {
		return nil, fmt.Errorf("failed to update liability: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RefundDispatched()
	s.logger.Info("Liability reclaim dispatched",
		"liability_id", liability.ID,
		"refund_seq", refund.Seq,
		"bidder", liability.Bidder,
		"amount", liability.Amount,
	)
	return refund, nil
}

// dispatchRefund registers a refund as dispatched and queues its transfer instruction.
func (s *Service) dispatchRefund(ctx context.Context, tx pgx.Tx, to Bid, causeBidID, liabilityID *uuid.UUID, now time.Time) (*Refund, error) {
	refund := &Refund{
		Bidder:       to.Bidder,
		Amount:       to.Amount,
		Status:       RefundStatusDispatched,
		CauseBidID:   causeBidID,
		LiabilityID:  liabilityID,
		DispatchedAt: now,
	}
	if err := s.refundRepo.CreateRefund(ctx, tx, refund); err != nil {
		return nil, fmt.Errorf("failed to register refund: %w", err)
	}

	if err := s.saveEvent(ctx, tx, EventTypeRefundRequested, NewRefundRequested(refund), now); err != nil {
		return nil, err
	}
	return refund, nil
}

type eventPayload interface {
	Marshal() ([]byte, error)
}

func (s *Service) saveEvent(ctx context.Context, tx pgx.Tx, eventType EventType, payload eventPayload, now time.Time) error {
	b, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	event := events.NewOutboxEvent(eventType.String(), b, now)
	if err := s.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// refreshCache is best effort. A failed write raises cacheFloor so HighestBid
// stops serving entries older than the version that could not be stored.
func (s *Service) refreshCache(ctx context.Context, snapshot BidSnapshot) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetHighestBid(ctx, snapshot); err != nil {
		s.raiseCacheFloor(snapshot.Version)
		s.logger.Warn("Failed to cache highest bid", "version", snapshot.Version, "error", err)
	}
}

func (s *Service) raiseCacheFloor(version int64) {
	for {
		floor := s.cacheFloor.Load()
		if version <= floor || s.cacheFloor.CompareAndSwap(floor, version) {
			return
		}
	}
}
