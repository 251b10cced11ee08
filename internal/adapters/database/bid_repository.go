package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/escrow/internal/domain/auction"
)

// PostgresBidRepository implements auction.BidRepository using pgx
type PostgresBidRepository struct {
	pool *pgxpool.Pool // Keep pool for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// SaveBid appends an accepted bid within the transaction
func (r *PostgresBidRepository) SaveBid(ctx context.Context, tx pgx.Tx, bid *auction.AcceptedBid) error {
	query := `
		INSERT INTO bids (id, bidder, amount, memo, accepted_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		string(bid.Bidder),
		bid.Amount.String(),
		bid.Memo,
		bid.AcceptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// ListBids retrieves the most recent accepted bids
func (r *PostgresBidRepository) ListBids(ctx context.Context, limit int) ([]*auction.AcceptedBid, error) {
	query := `
		SELECT id, bidder, amount::text, memo, accepted_at
		FROM bids
		ORDER BY accepted_at DESC, id
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auction.AcceptedBid
	for rows.Next() {
		var (
			bid            auction.AcceptedBid
			bidder, amount string
		)
		if err := rows.Scan(&bid.ID, &bidder, &amount, &bid.Memo, &bid.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if bid.Amount, err = auction.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("corrupt bid amount: %w", err)
		}
		bid.Bidder = auction.AccountID(bidder)
		result = append(result, &bid)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}

	return result, nil
}
