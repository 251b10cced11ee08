package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/escrow/internal/domain/auction"
	pkgdb "github.com/floroz/escrow/pkg/database"
)

// PostgresStateRepository implements auction.StateRepository using pgx
type PostgresStateRepository struct {
	pool *pgxpool.Pool // Keep pool for non-transactional reads
}

// NewPostgresStateRepository creates a new PostgreSQL auction state repository
func NewPostgresStateRepository(pool *pgxpool.Pool) *PostgresStateRepository {
	return &PostgresStateRepository{pool: pool}
}

// CreateState inserts the singleton row; a second call reports ErrAlreadyInitialized
func (r *PostgresStateRepository) CreateState(ctx context.Context, tx pgx.Tx, state *auction.State) error {
	query := `
		INSERT INTO auction_state (
			id, highest_bidder, highest_amount, end_time, auctioneer, claimed,
			accepted_token, version, created_at, updated_at
		)
		VALUES (1, $1, $2::numeric, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := tx.Exec(ctx, query,
		string(state.HighestBid.Bidder),
		state.HighestBid.Amount.String(),
		state.EndTime,
		string(state.Auctioneer),
		state.Claimed,
		string(state.AcceptedToken),
		state.Version,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auction.ErrAlreadyInitialized
	}
	return nil
}

// GetState reads the state without locking it
func (r *PostgresStateRepository) GetState(ctx context.Context) (*auction.State, error) {
	return r.getState(ctx, r.pool, false)
}

// GetStateForUpdate reads the state and locks the row until the transaction ends
func (r *PostgresStateRepository) GetStateForUpdate(ctx context.Context, tx pgx.Tx) (*auction.State, error) {
	return r.getState(ctx, tx, true)
}

func (r *PostgresStateRepository) getState(ctx context.Context, db pkgdb.DBTX, forUpdate bool) (*auction.State, error) {
	query := `
		SELECT highest_bidder, highest_amount::text, end_time, auctioneer, claimed,
			accepted_token, version, created_at, updated_at
		FROM auction_state
		WHERE id = 1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		state                               auction.State
		bidder, amount, auctioneer, tokenID string
	)
	err := db.QueryRow(ctx, query).Scan(
		&bidder,
		&amount,
		&state.EndTime,
		&auctioneer,
		&state.Claimed,
		&tokenID,
		&state.Version,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to get auction state: %w", err)
	}

	highest, err := auction.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt highest amount: %w", err)
	}
	state.HighestBid = auction.Bid{Bidder: auction.AccountID(bidder), Amount: highest}
	state.Auctioneer = auction.AccountID(auctioneer)
	state.AcceptedToken = auction.AccountID(tokenID)
	return &state, nil
}

// UpdateHighestBid swaps the leading bid and bumps the state version
func (r *PostgresStateRepository) UpdateHighestBid(ctx context.Context, tx pgx.Tx, bid auction.Bid, at time.Time) (int64, error) {
	query := `
		UPDATE auction_state
		SET highest_bidder = $1, highest_amount = $2::numeric, version = version + 1, updated_at = $3
		WHERE id = 1
		RETURNING version
	`
	var version int64
	err := tx.QueryRow(ctx, query, string(bid.Bidder), bid.Amount.String(), at).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, auction.ErrNotInitialized
		}
		return 0, fmt.Errorf("failed to update highest bid: %w", err)
	}
	return version, nil
}
