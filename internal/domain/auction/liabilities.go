package auction

import (
	"time"

	"github.com/google/uuid"
)

// LiabilityStatus is the lifecycle of funds owed to a bidder whose refund failed.
type LiabilityStatus string

const (
	LiabilityStatusOutstanding LiabilityStatus = "outstanding"
	LiabilityStatusReclaiming  LiabilityStatus = "reclaiming"
	LiabilityStatusReclaimed   LiabilityStatus = "reclaimed"
)

// Liability records funds held in escrow custody that belong to Bidder.
type Liability struct {
	ID     uuid.UUID
	Bidder AccountID
	Amount Amount
	// RefundSeq is the refund whose failure created the liability.
	RefundSeq int64
	Status    LiabilityStatus
	// Attempts counts failed transfers, including the original refund.
	Attempts  int
	LastError string
	// ReclaimSeq is the latest refund dispatched to reclaim the liability.
	ReclaimSeq *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (l *Liability) IsOutstanding() bool {
	return l.Status == LiabilityStatusOutstanding
}
