package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/escrow/pkg/events"
)

// StateRepository persists the auction singleton.
type StateRepository interface {
	// CreateState inserts the initial state; ErrAlreadyInitialized if one exists
	CreateState(ctx context.Context, tx pgx.Tx, state *State) error

	// GetState reads the state outside a transaction; ErrNotInitialized if absent
	GetState(ctx context.Context) (*State, error)

	// GetStateForUpdate reads and locks the state row until tx ends.
	// Every mutating entry point on the auction goes through this lock.
	GetStateForUpdate(ctx context.Context, tx pgx.Tx) (*State, error)

	// UpdateHighestBid swaps the leading bid and returns the new state version
	UpdateHighestBid(ctx context.Context, tx pgx.Tx, bid Bid, at time.Time) (int64, error)
}

// BidRepository persists the accepted bid log.
type BidRepository interface {
	SaveBid(ctx context.Context, tx pgx.Tx, bid *AcceptedBid) error
	// ListBids returns the most recent bids first
	ListBids(ctx context.Context, limit int) ([]*AcceptedBid, error)
}

// RefundRepository is the pending operations registry.
type RefundRepository interface {
	// CreateRefund inserts a dispatched refund and assigns its Seq
	CreateRefund(ctx context.Context, tx pgx.Tx, refund *Refund) error
	GetRefund(ctx context.Context, seq int64) (*Refund, error)
	GetRefundForUpdate(ctx context.Context, tx pgx.Tx, seq int64) (*Refund, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, seq int64, outcome TransferOutcome, settledAt time.Time) error
}

// LiabilityRepository persists reclaimable liabilities.
type LiabilityRepository interface {
	CreateLiability(ctx context.Context, tx pgx.Tx, liability *Liability) error
	GetLiabilityForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Liability, error)
	UpdateLiability(ctx context.Context, tx pgx.Tx, liability *Liability) error
	// ListLiabilities returns the liabilities of bidder, or every outstanding one when bidder is empty
	ListLiabilities(ctx context.Context, bidder AccountID) ([]*Liability, error)
}

// OutboxRepository stores events in the same transaction as the state change they describe.
type OutboxRepository interface {
	SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error
}

// BidSnapshot is a versioned copy of the highest bid for read-side caches.
type BidSnapshot struct {
	Bid     Bid
	Version int64
}

// HighestBidCache is a read-through cache for the public highest bid query.
type HighestBidCache interface {
	// GetHighestBid returns nil on a cache miss
	GetHighestBid(ctx context.Context) (*BidSnapshot, error)
	// SetHighestBid stores the snapshot unless a newer version is cached
	SetHighestBid(ctx context.Context, snapshot BidSnapshot) error
}

// TokenLedger is the external ledger that holds the escrowed funds.
type TokenLedger interface {
	// Transfer moves funds out of escrow custody. A returned error wrapping
	// ErrTransferRejected is final; any other error may be retried.
	Transfer(ctx context.Context, instruction TransferInstruction) (TransferReceipt, error)
}
