package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"google.golang.org/protobuf/reflect/protoreflect"

	escrowv1 "github.com/floroz/escrow/pkg/proto/escrow/v1"
)

// EventType is the routing key of an outbox event.
type EventType string

const (
	EventTypeBidAccepted     EventType = "bid.accepted"
	EventTypeRefundRequested EventType = "refund.requested"
	EventTypeRefundSettled   EventType = "refund.settled"
)

// String returns the string representation of the event type
func (e EventType) String() string {
	return string(e)
}

// IsValid checks if the event type is valid
func (e EventType) IsValid() bool {
	switch e {
	case EventTypeBidAccepted, EventTypeRefundRequested, EventTypeRefundSettled:
		return true
	default:
		return false
	}
}

// The payloads below are proto3 messages from proto/escrow/v1/events.proto.
// Amounts travel as decimal strings because they do not fit a varint.

// BidAccepted is published for every accepted bid.
type BidAccepted struct {
	BidID           uuid.UUID
	Bidder          AccountID
	Amount          Amount
	DisplacedBidder AccountID
	DisplacedAmount Amount
	RefundSeq       int64 // 0 when no refund was issued
	AcceptedAt      time.Time
}

func (e *BidAccepted) Marshal() ([]byte, error) {
	return escrowv1.New(escrowv1.BidAccepted).
		SetString("bid_id", e.BidID.String()).
		SetString("bidder", string(e.Bidder)).
		SetString("amount", e.Amount.String()).
		SetString("displaced_bidder", string(e.DisplacedBidder)).
		SetString("displaced_amount", e.DisplacedAmount.String()).
		SetInt64("refund_seq", e.RefundSeq).
		SetInt64("accepted_at", unixNano(e.AcceptedAt)).
		Marshal()
}

func (e *BidAccepted) Unmarshal(b []byte) error {
	m, err := escrowv1.Unmarshal(escrowv1.BidAccepted, b)
	if err != nil {
		return err
	}
	d := &decoder{msg: m}
	e.BidID = d.uuid("bid_id", e.BidID)
	e.Bidder = AccountID(m.GetString("bidder"))
	e.Amount = d.amount("amount", e.Amount)
	e.DisplacedBidder = AccountID(m.GetString("displaced_bidder"))
	e.DisplacedAmount = d.amount("displaced_amount", e.DisplacedAmount)
	e.RefundSeq = m.GetInt64("refund_seq")
	e.AcceptedAt = fromUnixNano(m.GetInt64("accepted_at"))
	return d.err
}

// RefundRequested is the refund instruction consumed by the refund executor.
type RefundRequested struct {
	Seq            int64
	Bidder         AccountID
	Amount         Amount
	IdempotencyKey string
	DispatchedAt   time.Time
}

// NewRefundRequested builds the instruction event for a dispatched refund.
func NewRefundRequested(r *Refund) *RefundRequested {
	return &RefundRequested{
		Seq:            r.Seq,
		Bidder:         r.Bidder,
		Amount:         r.Amount,
		IdempotencyKey: r.IdempotencyKey(),
		DispatchedAt:   r.DispatchedAt,
	}
}

func (e *RefundRequested) Marshal() ([]byte, error) {
	return escrowv1.New(escrowv1.RefundRequested).
		SetInt64("seq", e.Seq).
		SetString("bidder", string(e.Bidder)).
		SetString("amount", e.Amount.String()).
		SetString("idempotency_key", e.IdempotencyKey).
		SetInt64("dispatched_at", unixNano(e.DispatchedAt)).
		Marshal()
}

func (e *RefundRequested) Unmarshal(b []byte) error {
	m, err := escrowv1.Unmarshal(escrowv1.RefundRequested, b)
	if err != nil {
		return err
	}
	d := &decoder{msg: m}
	e.Seq = m.GetInt64("seq")
	e.Bidder = AccountID(m.GetString("bidder"))
	e.Amount = d.amount("amount", e.Amount)
	e.IdempotencyKey = m.GetString("idempotency_key")
	e.DispatchedAt = fromUnixNano(m.GetInt64("dispatched_at"))
	if d.err != nil {
		return d.err
	}
	if e.Seq <= 0 {
		return fmt.Errorf("refund.requested: missing seq")
	}
	return nil
}

// RefundSettled is published when the continuation records a refund outcome.
type RefundSettled struct {
	Seq         int64
	Bidder      AccountID
	Amount      Amount
	Success     bool
	Reason      string
	LedgerTxID  string
	LiabilityID uuid.UUID // uuid.Nil when no liability was touched
	SettledAt   time.Time
}

func (e *RefundSettled) Marshal() ([]byte, error) {
	m := escrowv1.New(escrowv1.RefundSettled).
		SetInt64("seq", e.Seq).
		SetString("bidder", string(e.Bidder)).
		SetString("amount", e.Amount.String()).
		SetBool("success", e.Success).
		SetString("reason", e.Reason).
		SetString("ledger_tx_id", e.LedgerTxID).
		SetInt64("settled_at", unixNano(e.SettledAt))
	if e.LiabilityID != uuid.Nil {
		m.SetString("liability_id", e.LiabilityID.String())
	}
	return m.Marshal()
}

func (e *RefundSettled) Unmarshal(b []byte) error {
	m, err := escrowv1.Unmarshal(escrowv1.RefundSettled, b)
	if err != nil {
		return err
	}
	d := &decoder{msg: m}
	e.Seq = m.GetInt64("seq")
	e.Bidder = AccountID(m.GetString("bidder"))
	e.Amount = d.amount("amount", e.Amount)
	e.Success = m.GetBool("success")
	e.Reason = m.GetString("reason")
	e.LedgerTxID = m.GetString("ledger_tx_id")
	e.LiabilityID = d.uuid("liability_id", e.LiabilityID)
	e.SettledAt = fromUnixNano(m.GetInt64("settled_at"))
	return d.err
}

// decoder parses the string-encoded fields of a message and keeps the first error.
// Absent fields leave the current value in place.
type decoder struct {
	msg *escrowv1.Message
	err error
}

func (d *decoder) amount(field string, current Amount) Amount {
	s := d.msg.GetString(protoreflect.Name(field))
	if s == "" || d.err != nil {
		return current
	}
	v, err := ParseAmount(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return current
	}
	return v
}

func (d *decoder) uuid(field string, current uuid.UUID) uuid.UUID {
	s := d.msg.GetString(protoreflect.Name(field))
	if s == "" || d.err != nil {
		return current
	}
	v, err := uuid.Parse(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return current
	}
	return v
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
