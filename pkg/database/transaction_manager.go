package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTransactionManager implements TransactionManager using pgx
type PostgresTransactionManager struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresTransactionManager creates a new PostgreSQL transaction manager.
// lockTimeout bounds how long a transaction waits on a row lock (0 = wait forever).
func NewPostgresTransactionManager(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresTransactionManager {
	return &PostgresTransactionManager{
		pool:        pool,
		lockTimeout: lockTimeout,
	}
}

// BeginTx starts a READ COMMITTED transaction with the configured lock timeout.
// Entry points serialise on SELECT ... FOR UPDATE, so a stricter isolation level
// would only add serialization failures.
func (m *PostgresTransactionManager) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}

	if m.lockTimeout > 0 {
		timeoutMs := m.lockTimeout.Milliseconds()
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMs)); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	return tx, nil
}
