package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxAccountIDLength = 64

// AccountID identifies an account on the token ledger (bidders, the auctioneer,
// the token contract itself and this escrow).
type AccountID string

// ParseAccountID validates a ledger account id: 2 to 64 characters of
// lowercase letters, digits and the separators '.', '-' and '_'.
func ParseAccountID(s string) (AccountID, error) {
	if len(s) < 2 || len(s) > maxAccountIDLength {
		return "", fmt.Errorf("%w: %q must be 2 to %d characters", ErrInvalidAccountID, s, maxAccountIDLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
			if i == 0 || i == len(s)-1 {
				return "", fmt.Errorf("%w: %q cannot start or end with a separator", ErrInvalidAccountID, s)
			}
		default:
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidAccountID, s, c)
		}
	}
	return AccountID(s), nil
}

func (a AccountID) String() string { return string(a) }

func (a AccountID) IsZero() bool { return a == "" }

// Bid is the leading offer. It is replaced wholesale, never mutated.
type Bid struct {
	Bidder AccountID `json:"bidder"`
	Amount Amount    `json:"amount"`
}

// State is the authoritative record of the auction.
type State struct {
	HighestBid    Bid
	EndTime       time.Time
	Auctioneer    AccountID
	Claimed       bool
	AcceptedToken AccountID
	// Version increases by one on every highest bid swap.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CurrentHighestBid returns a snapshot of the leading bid.
func (s *State) CurrentHighestBid() Bid {
	return s.HighestBid
}

// IsOpen reports whether bids are still accepted at now.
func (s *State) IsOpen(now time.Time) bool {
	return now.Before(s.EndTime)
}

// Accepts reports whether notifications from the given token ledger account are honored.
func (s *State) Accepts(token AccountID) bool {
	return token == s.AcceptedToken
}

// InitCommand carries the parameters fixed at initialization.
type InitCommand struct {
	EndTime       time.Time
	Auctioneer    AccountID
	AcceptedToken AccountID
}

func (c InitCommand) validate() error {
	switch {
	case c.EndTime.IsZero():
		return fmt.Errorf("%w: end time is required", ErrInvalidInitialization)
	case c.Auctioneer.IsZero():
		return fmt.Errorf("%w: auctioneer is required", ErrInvalidInitialization)
	case c.AcceptedToken.IsZero():
		return fmt.Errorf("%w: accepted token is required", ErrInvalidInitialization)
	}
	return nil
}

// TransferNotification is the ledger reporting funds sent to the escrow.
// Notifier is the authenticated ledger account that delivered it.
type TransferNotification struct {
	Notifier AccountID
	Sender   AccountID
	Amount   Amount
	Message  string
}

// AcceptedBid is an entry of the accepted bid log.
type AcceptedBid struct {
	ID         uuid.UUID
	Bidder     AccountID
	Amount     Amount
	Memo       string
	AcceptedAt time.Time
}

func (b *AcceptedBid) Bid() Bid {
	return Bid{Bidder: b.Bidder, Amount: b.Amount}
}

// AcceptResult is the outcome of a successful AcceptBid.
type AcceptResult struct {
	Bid       *AcceptedBid
	Displaced Bid
	// Refund is nil when the displaced bid held nothing.
	Refund *Refund
	// Consumed is what the ledger must treat as kept by the escrow: always the full transfer.
	Consumed Amount
}
