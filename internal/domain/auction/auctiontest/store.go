// Package auctiontest provides in-memory implementations of the auction ports
// for tests. Store serialises transactions like the row locks of the Postgres
// adapters do, and only publishes a transaction's writes on Commit.
package auctiontest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/pkg/events"
)

type data struct {
	state       *auction.State
	bids        []auction.AcceptedBid
	refunds     map[int64]*auction.Refund
	nextSeq     int64
	liabilities map[uuid.UUID]*auction.Liability
	outbox      []events.OutboxEvent
}

func (d *data) clone() *data {
	c := &data{
		bids:        append([]auction.AcceptedBid(nil), d.bids...),
		refunds:     make(map[int64]*auction.Refund, len(d.refunds)),
		nextSeq:     d.nextSeq,
		liabilities: make(map[uuid.UUID]*auction.Liability, len(d.liabilities)),
		outbox:      append([]events.OutboxEvent(nil), d.outbox...),
	}
	if d.state != nil {
		s := *d.state
		c.state = &s
	}
	for seq, r := range d.refunds {
		c.refunds[seq] = cloneRefund(r)
	}
	for id, l := range d.liabilities {
		c.liabilities[id] = cloneLiability(l)
	}
	return c
}

func cloneRefund(r *auction.Refund) *auction.Refund {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	if r.CauseBidID != nil {
		id := *r.CauseBidID
		c.CauseBidID = &id
	}
	if r.LiabilityID != nil {
		id := *r.LiabilityID
		c.LiabilityID = &id
	}
	if r.SettledAt != nil {
		at := *r.SettledAt
		c.SettledAt = &at
	}
	return &c
}

func cloneLiability(l *auction.Liability) *auction.Liability {
	c := *l
	if l.ReclaimSeq != nil {
		seq := *l.ReclaimSeq
		c.ReclaimSeq = &seq
	}
	return &c
}

// Store implements every auction repository, the outbox and the transaction manager.
type Store struct {
	txLock sync.Mutex

	mu        sync.Mutex
	committed *data
	failures  map[string]error
}

// NewStore returns an empty, uninitialized store
func NewStore() *Store {
	return &Store{
		committed: &data{
			refunds:     map[int64]*auction.Refund{},
			liabilities: map[uuid.UUID]*auction.Liability{},
		},
		failures: map[string]error{},
	}
}

// FailNext makes the next call of op return err. op is a method name such as "SaveEvent" or "Commit".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

// Tx is a store transaction. Only Commit and Rollback are implemented.
type Tx struct {
	pgx.Tx
	store *Store
	data  *data
	done  bool
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.txLock.Unlock()
	if err := t.store.fail("Commit"); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.committed = t.data
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.txLock.Unlock()
	return nil
}

// BeginTx starts a transaction; transactions run one at a time.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	if err := s.fail("BeginTx"); err != nil {
		return nil, err
	}
	s.txLock.Lock()
	s.mu.Lock()
	d := s.committed.clone()
	s.mu.Unlock()
	return &Tx{store: s, data: d}, nil
}

func (s *Store) working(tx pgx.Tx) *data {
	t, ok := tx.(*Tx)
	if !ok || t.done {
		panic("auctiontest: repository called outside a live store transaction")
	}
	return t.data
}

func (s *Store) snapshot() *data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.clone()
}

// StateRepository

func (s *Store) CreateState(ctx context.Context, tx pgx.Tx, state *auction.State) error {
	if err := s.fail("CreateState"); err != nil {
		return err
	}
	d := s.working(tx)
	if d.state != nil {
		return auction.ErrAlreadyInitialized
	}
	c := *state
	d.state = &c
	return nil
}

func (s *Store) GetState(ctx context.Context) (*auction.State, error) {
	d := s.snapshot()
	if d.state == nil {
		return nil, auction.ErrNotInitialized
	}
	return d.state, nil
}

func (s *Store) GetStateForUpdate(ctx context.Context, tx pgx.Tx) (*auction.State, error) {
	d := s.working(tx)
	if d.state == nil {
		return nil, auction.ErrNotInitialized
	}
	c := *d.state
	return &c, nil
}

func (s *Store) UpdateHighestBid(ctx context.Context, tx pgx.Tx, bid auction.Bid, at time.Time) (int64, error) {
	if err := s.fail("UpdateHighestBid"); err != nil {
		return 0, err
	}
	d := s.working(tx)
	if d.state == nil {
		return 0, auction.ErrNotInitialized
	}
	// Mirrors the auction_state guard trigger
	if bid.Amount.LessThan(d.state.HighestBid.Amount) {
		return 0, errors.New("highest bid amount must never decrease")
	}
	d.state.HighestBid = bid
	d.state.Version++
	d.state.UpdatedAt = at
	return d.state.Version, nil
}

// BidRepository

func (s *Store) SaveBid(ctx context.Context, tx pgx.Tx, bid *auction.AcceptedBid) error {
	if err := s.fail("SaveBid"); err != nil {
		return err
	}
	d := s.working(tx)
	d.bids = append(d.bids, *bid)
	return nil
}

func (s *Store) ListBids(ctx context.Context, limit int) ([]*auction.AcceptedBid, error) {
	d := s.snapshot()
	var result []*auction.AcceptedBid
	for i := len(d.bids) - 1; i >= 0 && len(result) < limit; i-- {
		b := d.bids[i]
		result = append(result, &b)
	}
	return result, nil
}

// RefundRepository

func (s *Store) CreateRefund(ctx context.Context, tx pgx.Tx, refund *auction.Refund) error {
	if err := s.fail("CreateRefund"); err != nil {
		return err
	}
	d := s.working(tx)
	d.nextSeq++
	refund.Seq = d.nextSeq
	d.refunds[refund.Seq] = cloneRefund(refund)
	return nil
}

func (s *Store) GetRefund(ctx context.Context, seq int64) (*auction.Refund, error) {
	d := s.snapshot()
	r, ok := d.refunds[seq]
	if !ok {
		return nil, auction.ErrRefundNotFound
	}
	return r, nil
}

func (s *Store) GetRefundForUpdate(ctx context.Context, tx pgx.Tx, seq int64) (*auction.Refund, error) {
	r, ok := s.working(tx).refunds[seq]
	if !ok {
		return nil, auction.ErrRefundNotFound
	}
	return cloneRefund(r), nil
}

func (s *Store) MarkSettled(ctx context.Context, tx pgx.Tx, seq int64, outcome auction.TransferOutcome, settledAt time.Time) error {
	if err := s.fail("MarkSettled"); err != nil {
		return err
	}
	r, ok := s.working(tx).refunds[seq]
	if !ok {
		return auction.ErrRefundNotFound
	}
	if r.IsSettled() {
		return auction.ErrRefundAlreadySettled
	}
	r.Status = auction.RefundStatusSettled
	r.Outcome = &outcome
	r.SettledAt = &settledAt
	return nil
}

// LiabilityRepository

func (s *Store) CreateLiability(ctx context.Context, tx pgx.Tx, liability *auction.Liability) error {
	if err := s.fail("CreateLiability"); err != nil {
		return err
	}
	d := s.working(tx)
	for _, l := range d.liabilities {
		if l.RefundSeq == liability.RefundSeq {
			return fmt.Errorf("duplicate liability for refund %d", liability.RefundSeq)
		}
	}
	d.liabilities[liability.ID] = cloneLiability(liability)
	return nil
}

func (s *Store) GetLiabilityForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*auction.Liability, error) {
	l, ok := s.working(tx).liabilities[id]
	if !ok {
		return nil, auction.ErrLiabilityNotFound
	}
	return cloneLiability(l), nil
}

func (s *Store) UpdateLiability(ctx context.Context, tx pgx.Tx, liability *auction.Liability) error {
	if err := s.fail("UpdateLiability"); err != nil {
		return err
	}
	d := s.working(tx)
	if _, ok := d.liabilities[liability.ID]; !ok {
		return auction.ErrLiabilityNotFound
	}
	d.liabilities[liability.ID] = cloneLiability(liability)
	return nil
}

func (s *Store) ListLiabilities(ctx context.Context, bidder auction.AccountID) ([]*auction.Liability, error) {
	d := s.snapshot()
	var result []*auction.Liability
	for _, l := range d.liabilities {
		if bidder.IsZero() && !l.IsOutstanding() {
			continue
		}
		if !bidder.IsZero() && l.Bidder != bidder {
			continue
		}
		result = append(result, l)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RefundSeq < result[j].RefundSeq
	})
	return result, nil
}

// Outbox

func (s *Store) SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error {
	if err := s.fail("SaveEvent"); err != nil {
		return err
	}
	d := s.working(tx)
	d.outbox = append(d.outbox, *event)
	return nil
}

func (s *Store) GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*events.OutboxEvent, error) {
	d := s.working(tx)
	var result []*events.OutboxEvent
	for i := range d.outbox {
		if len(result) == limit {
			break
		}
		if d.outbox[i].Status == events.OutboxStatusPending {
			e := d.outbox[i]
			result = append(result, &e)
		}
	}
	return result, nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status events.OutboxStatus) error {
	d := s.working(tx)
	for i := range d.outbox {
		if d.outbox[i].ID == id {
			now := time.Now()
			d.outbox[i].Status = status
			d.outbox[i].ProcessedAt = &now
			return nil
		}
	}
	return fmt.Errorf("event not found")
}

// Inspection helpers. They read committed data only.

// State returns the committed auction state, or nil before initialization
func (s *Store) State() *auction.State {
	return s.snapshot().state
}

// Refunds returns every committed refund in sequence order
func (s *Store) Refunds() []*auction.Refund {
	d := s.snapshot()
	result := make([]*auction.Refund, 0, len(d.refunds))
	for _, r := range d.refunds {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// Events returns the committed outbox in insertion order
func (s *Store) Events() []events.OutboxEvent {
	return s.snapshot().outbox
}

// EventsOfType returns the committed outbox events of one type
func (s *Store) EventsOfType(t auction.EventType) []events.OutboxEvent {
	var result []events.OutboxEvent
	for _, e := range s.Events() {
		if e.EventType == t.String() {
			result = append(result, e)
		}
	}
	return result
}
