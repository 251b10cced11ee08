package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefundStatus tracks an in-flight refund through the pending operations registry.
type RefundStatus string

const (
	// RefundStatusDispatched means the transfer instruction is committed and the
	// continuation has not run yet.
	RefundStatusDispatched RefundStatus = "dispatched"
	// RefundStatusSettled means the continuation ran and recorded the outcome.
	RefundStatusSettled RefundStatus = "settled"
)

// TransferOutcome is what the ledger reported for a refund transfer.
type TransferOutcome struct {
	Success    bool
	Reason     string
	LedgerTxID string
}

// SucceededOutcome reports a completed transfer.
func SucceededOutcome(ledgerTxID string) TransferOutcome {
	return TransferOutcome{Success: true, LedgerTxID: ledgerTxID}
}

// FailedOutcome reports a transfer that did not complete.
func FailedOutcome(reason string) TransferOutcome {
	return TransferOutcome{Success: false, Reason: reason}
}

// Err returns nil for a successful outcome and an ErrRefundTransferFailed otherwise.
func (o TransferOutcome) Err() error {
	if o.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRefundTransferFailed, o.Reason)
}

// Refund is one entry of the pending operations registry, keyed by a
// monotonically increasing sequence number.
type Refund struct {
	Seq    int64
	Bidder AccountID
	Amount Amount
	Status RefundStatus
	// Outcome is set once the refund is settled.
	Outcome *TransferOutcome
	// CauseBidID is the bid that displaced Bidder; nil for liability reclaims.
	CauseBidID *uuid.UUID
	// LiabilityID is set when the refund reclaims a recorded liability.
	LiabilityID  *uuid.UUID
	DispatchedAt time.Time
	SettledAt    *time.Time
}

// IdempotencyKey is passed to the ledger as the transfer memo so a redelivered
// instruction cannot pay twice.
func (r *Refund) IdempotencyKey() string {
	return fmt.Sprintf("escrow-refund-%d", r.Seq)
}

func (r *Refund) IsSettled() bool {
	return r.Status == RefundStatusSettled
}

// TransferInstruction is the outbound ledger transfer for a refund.
type TransferInstruction struct {
	To     AccountID
	Amount Amount
	Memo   string
}

// TransferReceipt is the ledger's acknowledgement of a completed transfer.
type TransferReceipt struct {
	TxID string
	// Replayed is true when the ledger had already applied a transfer with the same memo.
	Replayed bool
}

// SettlementResult is the value returned by the refund continuation.
type SettlementResult struct {
	Refund *Refund
	// Refunded is what actually left escrow custody: the refund amount on success, zero on failure.
	Refunded Amount
	// Liability is the liability recorded or updated by this settlement, if any.
	Liability *Liability
}
