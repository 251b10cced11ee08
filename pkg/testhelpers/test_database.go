// Package testhelpers starts throwaway infrastructure for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/floroz/escrow/migrations"
)

type TestDatabase struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// NewTestDatabase starts Postgres and applies the embedded migrations
func NewTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(testcontainers.TestLogger(t)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect to database: %s", err)
	}

	if pingErr := pool.Ping(ctx); pingErr != nil {
		t.Fatalf("failed to ping database: %s", pingErr)
	}

	if err := migrations.Up(connStr); err != nil {
		t.Fatalf("%s", err)
	}

	return &TestDatabase{
		Container: pgContainer,
		Pool:      pool,
		ConnStr:   connStr,
	}
}

// CleanDatabase empties every escrow table so tests can share a container
func (td *TestDatabase) CleanDatabase(t *testing.T) {
	t.Helper()
	_, err := td.Pool.Exec(context.Background(),
		`TRUNCATE outbox_events, liabilities, refunds, bids, auction_state RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("failed to clean database: %s", err)
	}
}

func (td *TestDatabase) Close() {
	ctx := context.Background()
	td.Pool.Close()
	if termErr := td.Container.Terminate(ctx); termErr != nil {
		// Just log error, don't fail test cleanup explicitly if container fails to stop
		fmt.Printf("failed to terminate container: %v\n", termErr)
	}
}

// NewTestRedis starts a Redis container and returns a connected client.
// The container is terminated when the test ends.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %s", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			fmt.Printf("failed to terminate container: %v\n", termErr)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %s", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %s", err)
	}
	return client
}
