package api

import (
	"time"

	"github.com/floroz/escrow/internal/domain/auction"
)

// Amounts travel as decimal strings: u128 values do not fit a JSON number.

type OnTransferRequest struct {
	SenderID string `json:"sender_id"`
	Amount   string `json:"amount"`
	Msg      string `json:"msg"`
}

// OnTransferResponse tells the ledger how much of the transfer the escrow kept.
// A rejected bid keeps nothing and carries the reason.
type OnTransferResponse struct {
	Consumed  string `json:"consumed"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	BidID     string `json:"bid_id,omitempty"`
	RefundSeq int64  `json:"refund_seq,omitempty"`
}

type GetHighestBidRequest struct{}

type BidMessage struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

type GetAuctionRequest struct{}

type AuctionMessage struct {
	HighestBid    BidMessage `json:"highest_bid"`
	EndTime       string     `json:"end_time"`
	Auctioneer    string     `json:"auctioneer"`
	Claimed       bool       `json:"claimed"`
	AcceptedToken string     `json:"accepted_token"`
	Version       int64      `json:"version"`
}

type InitializeRequest struct {
	EndTime       string `json:"end_time"`
	Auctioneer    string `json:"auctioneer"`
	AcceptedToken string `json:"accepted_token"`
}

type SettleRefundRequest struct {
	Seq        int64  `json:"seq"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	LedgerTxID string `json:"ledger_tx_id,omitempty"`
}

type SettleRefundResponse struct {
	Refund    RefundMessage     `json:"refund"`
	Refunded  string            `json:"refunded"`
	Liability *LiabilityMessage `json:"liability,omitempty"`
}

type RefundMessage struct {
	Seq          int64  `json:"seq"`
	Bidder       string `json:"bidder"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Success      *bool  `json:"success,omitempty"`
	Reason       string `json:"reason,omitempty"`
	LedgerTxID   string `json:"ledger_tx_id,omitempty"`
	LiabilityID  string `json:"liability_id,omitempty"`
	DispatchedAt string `json:"dispatched_at"`
	SettledAt    string `json:"settled_at,omitempty"`
}

type LiabilityMessage struct {
	ID         string `json:"id"`
	Bidder     string `json:"bidder"`
	Amount     string `json:"amount"`
	RefundSeq  int64  `json:"refund_seq"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	ReclaimSeq int64  `json:"reclaim_seq,omitempty"`
}

type ReclaimLiabilityRequest struct {
	LiabilityID string `json:"liability_id"`
}

type ReclaimLiabilityResponse struct {
	Refund RefundMessage `json:"refund"`
}

type ListLiabilitiesRequest struct {
	Bidder string `json:"bidder,omitempty"`
}

type ListLiabilitiesResponse struct {
	Liabilities []LiabilityMessage `json:"liabilities"`
}

type GetRefundRequest struct {
	Seq int64 `json:"seq"`
}

type GetRefundResponse struct {
	Refund RefundMessage `json:"refund"`
}

type ListBidsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type AcceptedBidMessage struct {
	ID         string `json:"id"`
	Bidder     string `json:"bidder"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
	AcceptedAt string `json:"accepted_at"`
}

type ListBidsResponse struct {
	Bids []AcceptedBidMessage `json:"bids"`
}

func mapBid(b auction.Bid) BidMessage {
	return BidMessage{Bidder: b.Bidder.String(), Amount: b.Amount.String()}
}

func mapAuction(s *auction.State) *AuctionMessage {
	return &AuctionMessage{
		HighestBid:    mapBid(s.HighestBid),
		EndTime:       s.EndTime.UTC().Format(time.RFC3339Nano),
		Auctioneer:    s.Auctioneer.String(),
		Claimed:       s.Claimed,
		AcceptedToken: s.AcceptedToken.String(),
		Version:       s.Version,
	}
}

func mapRefund(r *auction.Refund) RefundMessage {
	msg := RefundMessage{
		Seq:          r.Seq,
		Bidder:       r.Bidder.String(),
		Amount:       r.Amount.String(),
		Status:       string(r.Status),
		DispatchedAt: r.DispatchedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.Outcome != nil {
		success := r.Outcome.Success
		msg.Success = &success
		msg.Reason = r.Outcome.Reason
		msg.LedgerTxID = r.Outcome.LedgerTxID
	}
	if r.LiabilityID != nil {
		msg.LiabilityID = r.LiabilityID.String()
	}
	if r.SettledAt != nil {
		msg.SettledAt = r.SettledAt.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

func mapLiability(l *auction.Liability) LiabilityMessage {
	msg := LiabilityMessage{
		ID:        l.ID.String(),
		Bidder:    l.Bidder.String(),
		Amount:    l.Amount.String(),
		RefundSeq: l.RefundSeq,
		Status:    string(l.Status),
		Attempts:  l.Attempts,
		LastError: l.LastError,
	}
	if l.ReclaimSeq != nil {
		msg.ReclaimSeq = *l.ReclaimSeq
	}
	return msg
}

func mapAcceptedBid(b *auction.AcceptedBid) AcceptedBidMessage {
	return AcceptedBidMessage{
		ID:         b.ID.String(),
		Bidder:     b.Bidder.String(),
		Amount:     b.Amount.String(),
		Memo:       b.Memo,
		AcceptedAt: b.AcceptedAt.UTC().Format(time.RFC3339Nano),
	}
}
