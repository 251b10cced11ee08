package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/escrow/internal/domain/auction"
	pkgdb "github.com/floroz/escrow/pkg/database"
)

// PostgresRefundRepository implements auction.RefundRepository using pgx
type PostgresRefundRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRefundRepository creates a new PostgreSQL refund registry
func NewPostgresRefundRepository(pool *pgxpool.Pool) *PostgresRefundRepository {
	return &PostgresRefundRepository{pool: pool}
}

// CreateRefund inserts a dispatched refund and assigns its sequence number
func (r *PostgresRefundRepository) CreateRefund(ctx context.Context, tx pgx.Tx, refund *auction.Refund) error {
	query := `
		INSERT INTO refunds (bidder, amount, status, cause_bid_id, liability_id, dispatched_at)
		VALUES ($1, $2::numeric, $3::refund_status, $4, $5, $6)
		RETURNING seq
	`
	err := tx.QueryRow(ctx, query,
		string(refund.Bidder),
		refund.Amount.String(),
		string(refund.Status),
		refund.CauseBidID,
		refund.LiabilityID,
		refund.DispatchedAt,
	).Scan(&refund.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

// GetRefund reads a refund without locking it
func (r *PostgresRefundRepository) GetRefund(ctx context.Context, seq int64) (*auction.Refund, error) {
	return r.getRefund(ctx, r.pool, seq, false)
}

// GetRefundForUpdate reads a refund and locks it so concurrent settlements serialise
func (r *PostgresRefundRepository) GetRefundForUpdate(ctx context.Context, tx pgx.Tx, seq int64) (*auction.Refund, error) {
	return r.getRefund(ctx, tx, seq, true)
}

func (r *PostgresRefundRepository) getRefund(ctx context.Context, db pkgdb.DBTX, seq int64, forUpdate bool) (*auction.Refund, error) {
	query := `
		SELECT seq, bidder, amount::text, status::text, success, failure_reason, ledger_tx_id,
			cause_bid_id, liability_id, dispatched_at, settled_at
		FROM refunds
		WHERE seq = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		refund                  auction.Refund
		bidder, amount, status  string
		success                 *bool
		reason, txID            string
		causeBidID, liabilityID *uuid.UUID
	)
	err := db.QueryRow(ctx, query, seq).Scan(
		&refund.Seq,
		&bidder,
		&amount,
		&status,
		&success,
		&reason,
		&txID,
		&causeBidID,
		&liabilityID,
		&refund.DispatchedAt,
		&refund.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}

	if refund.Amount, err = auction.ParseAmount(amount); err != nil {
		return nil, fmt.Errorf("corrupt refund amount: %w", err)
	}
	refund.Bidder = auction.AccountID(bidder)
	refund.Status = auction.RefundStatus(status)
	refund.CauseBidID = causeBidID
	refund.LiabilityID = liabilityID
	if success != nil {
		refund.Outcome = &auction.TransferOutcome{Success: *success, Reason: reason, LedgerTxID: txID}
	}
	return &refund, nil
}

// MarkSettled records the transfer outcome of a dispatched refund
func (r *PostgresRefundRepository) MarkSettled(ctx context.Context, tx pgx.Tx, seq int64, outcome auction.TransferOutcome, settledAt time.Time) error {
	query := `
		UPDATE refunds
		SET status = 'settled', success = $1, failure_reason = $2, ledger_tx_id = $3, settled_at = $4
		WHERE seq = $5 AND status = 'dispatched'
	`
	result, err := tx.Exec(ctx, query, outcome.Success, outcome.Reason, outcome.LedgerTxID, settledAt, seq)
	if err != nil {
		return fmt.Errorf("failed to update refund: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auction.ErrRefundAlreadySettled
	}
	return nil
}
