package auction

import (
	"errors"
	"fmt"
)

// Bid rejections. Each one leaves the auction untouched and tells the ledger
// to return the transfer to its sender.
var (
	ErrAuctionEnded     = fmt.Errorf("auction has ended")
	ErrUnsupportedToken = fmt.Errorf("the token is not supported")
	ErrBidTooLow        = fmt.Errorf("bid amount must not be lower than the current highest bid")
	ErrInvalidSender    = fmt.Errorf("bid sender must be a valid account")
)

// Protocol errors
var (
	ErrUnauthorized            = fmt.Errorf("caller is not permitted to invoke this operation")
	ErrRefundTransferFailed    = fmt.Errorf("refund transfer failed")
	ErrNotInitialized          = fmt.Errorf("auction has not been initialized")
	ErrAlreadyInitialized      = fmt.Errorf("auction has already been initialized")
	ErrInvalidInitialization   = fmt.Errorf("invalid initialization parameters")
	ErrInvalidAmount           = fmt.Errorf("amount must be an integer between 0 and 2^128-1")
	ErrInvalidAccountID        = fmt.Errorf("invalid account id")
	ErrRefundNotFound          = fmt.Errorf("refund not found")
	ErrRefundAlreadySettled    = fmt.Errorf("refund has already been settled")
	ErrLiabilityNotFound       = fmt.Errorf("liability not found")
	ErrLiabilityNotOutstanding = fmt.Errorf("liability is not outstanding")
)

// ErrTransferRejected marks a ledger transfer that failed for good; retrying it cannot succeed.
var ErrTransferRejected = fmt.Errorf("transfer rejected by ledger")

// RejectionReason is the machine readable code reported to the ledger when a bid is bounced.
type RejectionReason string

const (
	RejectionAuctionEnded     RejectionReason = "auction_ended"
	RejectionUnsupportedToken RejectionReason = "unsupported_token"
	RejectionBidTooLow        RejectionReason = "bid_too_low"
	RejectionInvalidSender    RejectionReason = "invalid_sender"
	RejectionNotInitialized   RejectionReason = "not_initialized"
	// RejectionInvalidAmount is reported by transports for an amount that does not parse.
	RejectionInvalidAmount RejectionReason = "invalid_amount"
)

// Rejection maps a bid precondition failure to its reason code.
// ok is false for errors that are not bid rejections.
func Rejection(err error) (reason RejectionReason, ok bool) {
	switch {
	case errors.Is(err, ErrAuctionEnded):
		return RejectionAuctionEnded, true
	case errors.Is(err, ErrUnsupportedToken):
		return RejectionUnsupportedToken, true
	case errors.Is(err, ErrBidTooLow):
		return RejectionBidTooLow, true
	case errors.Is(err, ErrInvalidSender):
		return RejectionInvalidSender, true
	case errors.Is(err, ErrNotInitialized):
		return RejectionNotInitialized, true
	default:
		return "", false
	}
}
