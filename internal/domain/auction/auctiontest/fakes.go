package auctiontest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/floroz/escrow/internal/domain/auction"
)

// Self is the escrow account used by NewService
const Self auction.AccountID = "escrow.test"

// At returns the instant n seconds after the Unix epoch
func At(n int64) time.Time {
	return time.Unix(n, 0).UTC()
}

// Clock is a settable clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// DiscardLogger drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewService wires a Service for Self over a fresh Store
func NewService(clock *Clock, opts ...auction.Option) (*auction.Service, *Store) {
	store := NewStore()
	opts = append([]auction.Option{auction.WithClock(clock.Now)}, opts...)
	service := auction.NewService(Self, store, store, store, store, store, store, DiscardLogger(), opts...)
	return service, store
}

// Cache is an in-memory HighestBidCache with the same version rule as Redis
type Cache struct {
	mu       sync.Mutex
	snapshot *auction.BidSnapshot
	Err      error
}

func (c *Cache) GetHighestBid(ctx context.Context) (*auction.BidSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if c.snapshot == nil {
		return nil, nil
	}
	s := *c.snapshot
	return &s, nil
}

func (c *Cache) SetHighestBid(ctx context.Context, snapshot auction.BidSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.snapshot != nil && snapshot.Version <= c.snapshot.Version {
		return nil
	}
	c.snapshot = &snapshot
	return nil
}

// TransferResult is one scripted ledger response
type TransferResult struct {
	Receipt auction.TransferReceipt
	Err     error
}

// Ledger is a scripted TokenLedger. Once the script is exhausted every
// transfer succeeds with a transaction id derived from the memo.
type Ledger struct {
	mu     sync.Mutex
	script []TransferResult
	calls  []auction.TransferInstruction
}

func (l *Ledger) Script(results ...TransferResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script = append(l.script, results...)
}

func (l *Ledger) Transfer(ctx context.Context, instruction auction.TransferInstruction) (auction.TransferReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, instruction)
	if len(l.script) == 0 {
		return auction.TransferReceipt{TxID: "tx-" + instruction.Memo}, nil
	}
	next := l.script[0]
	l.script = l.script[1:]
	return next.Receipt, next.Err
}

// Calls returns every transfer attempted so far
func (l *Ledger) Calls() []auction.TransferInstruction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]auction.TransferInstruction(nil), l.calls...)
}
