package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/escrow/internal/domain/auction"
)

const liabilityColumns = `id, bidder, amount::text, refund_seq, status::text, attempts, last_error, reclaim_seq, created_at, updated_at`

// PostgresLiabilityRepository implements auction.LiabilityRepository using pgx
type PostgresLiabilityRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresLiabilityRepository creates a new PostgreSQL liability repository
func NewPostgresLiabilityRepository(pool *pgxpool.Pool) *PostgresLiabilityRepository {
	return &PostgresLiabilityRepository{pool: pool}
}

// CreateLiability records funds owed to a bidder
func (r *PostgresLiabilityRepository) CreateLiability(ctx context.Context, tx pgx.Tx, l *auction.Liability) error {
	query := `
		INSERT INTO liabilities (id, bidder, amount, refund_seq, status, attempts, last_error, reclaim_seq, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5::liability_status, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		l.ID,
		string(l.Bidder),
		l.Amount.String(),
		l.RefundSeq,
		string(l.Status),
		l.Attempts,
		l.LastError,
		l.ReclaimSeq,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert liability: %w", err)
	}
	return nil
}

// GetLiabilityForUpdate reads and locks a liability
func (r *PostgresLiabilityRepository) GetLiabilityForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*auction.Liability, error) {
	query := `SELECT ` + liabilityColumns + ` FROM liabilities WHERE id = $1 FOR UPDATE`
	l, err := scanLiability(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrLiabilityNotFound
		}
		return nil, fmt.Errorf("failed to get liability: %w", err)
	}
	return l, nil
}

// UpdateLiability persists the mutable fields of a liability
func (r *PostgresLiabilityRepository) UpdateLiability(ctx context.Context, tx pgx.Tx, l *auction.Liability) error {
	query := `
		UPDATE liabilities
		SET status = $1::liability_status, attempts = $2, last_error = $3, reclaim_seq = $4, updated_at = $5
		WHERE id = $6
	`
	result, err := tx.Exec(ctx, query, string(l.Status), l.Attempts, l.LastError, l.ReclaimSeq, l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("failed to update liability: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auction.ErrLiabilityNotFound
	}
	return nil
}

// ListLiabilities returns every liability of bidder, or all outstanding ones when bidder is empty
func (r *PostgresLiabilityRepository) ListLiabilities(ctx context.Context, bidder auction.AccountID) ([]*auction.Liability, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if bidder.IsZero() {
		query := `SELECT ` + liabilityColumns + ` FROM liabilities WHERE status = 'outstanding' ORDER BY created_at`
		rows, err = r.pool.Query(ctx, query)
	} else {
		query := `SELECT ` + liabilityColumns + ` FROM liabilities WHERE bidder = $1 ORDER BY created_at`
		rows, err = r.pool.Query(ctx, query, string(bidder))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query liabilities: %w", err)
	}
	defer rows.Close()

	var result []*auction.Liability
	for rows.Next() {
		l, err := scanLiability(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan liability: %w", err)
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating liabilities: %w", err)
	}
	return result, nil
}

func scanLiability(row pgx.Row) (*auction.Liability, error) {
	var (
		l                      auction.Liability
		bidder, amount, status string
	)
	if err := row.Scan(
		&l.ID,
		&bidder,
		&amount,
		&l.RefundSeq,
		&status,
		&l.Attempts,
		&l.LastError,
		&l.ReclaimSeq,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := auction.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt liability amount: %w", err)
	}
	l.Amount = parsed
	l.Bidder = auction.AccountID(bidder)
	l.Status = auction.LiabilityStatus(status)
	return &l, nil
}
