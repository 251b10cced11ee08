package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/escrow/internal/adapters/database"
	"github.com/floroz/escrow/internal/adapters/events"
	"github.com/floroz/escrow/internal/adapters/ledger"
	"github.com/floroz/escrow/internal/config"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/pkg/auth"
	pkgdb "github.com/floroz/escrow/pkg/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	slog.SetDefault(logger)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Initialize Postgres Connection Pool
	pool, err := pgxpool.New(ctx, cfg.DB.URL)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	// 2. Connect to RabbitMQ
	if cfg.Broker.RabbitMQURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}
	amqpConn, err := amqp.Dial(cfg.Broker.RabbitMQURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	// 3. Connect to NATS (optional live mirror)
	var natsConn *nats.Conn
	if cfg.Broker.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.Broker.NATSURL, nats.Name("escrow-worker"))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsConn.Close()
		logger.Info("NATS Connected")
	}

	// 4. The worker speaks to the ledger as the escrow account
	privateKey, err := os.ReadFile(cfg.Auth.PrivateKeyPath)
	if err != nil {
		logger.Error("Unable to read JWT private key", "path", cfg.Auth.PrivateKeyPath, "error", err)
		os.Exit(1)
	}
	publicKey, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		logger.Error("Unable to read JWT public key", "path", cfg.Auth.PublicKeyPath, "error", err)
		os.Exit(1)
	}
	signer, err := auth.NewSigner(privateKey, publicKey, cfg.Auth.Issuer)
	if err != nil {
		logger.Error("Invalid JWT keys", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewTokenSource(signer, cfg.Escrow.Self.String(), cfg.Auth.TokenTTL)
	ledgerClient := ledger.NewClient(
		&http.Client{Timeout: 10 * time.Second},
		cfg.Escrow.LedgerURL,
		connect.WithInterceptors(auth.NewBearerInterceptor(tokens)),
	)

	// 5. Initialize Service (Domain Layer)
	service := auction.NewService(
		cfg.Escrow.Self,
		pkgdb.NewPostgresTransactionManager(pool, cfg.DB.LockTimeout),
		database.NewPostgresStateRepository(pool),
		database.NewPostgresBidRepository(pool),
		database.NewPostgresRefundRepository(pool),
		database.NewPostgresLiabilityRepository(pool),
		database.NewPostgresOutboxRepository(pool),
		logger,
	)

	// 6. Initialize Producer and Executor
	producer, err := events.NewEscrowEventsProducer(pool, amqpConn, natsConn, events.ProducerConfig{
		BatchSize:   cfg.Relay.BatchSize,
		Interval:    cfg.Relay.Interval,
		LockTimeout: cfg.DB.LockTimeout,
	}, logger)
	if err != nil {
		logger.Error("Failed to create producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	executor := events.NewRefundExecutor(amqpConn, service, ledgerClient, events.RetryPolicy{
		MaxAttempts: cfg.Refund.MaxAttempts,
		Delay:       cfg.Refund.RetryDelay,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.API.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting Escrow Events Producer...")
		return producer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting Refund Executor...")
		return executor.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	// Run returns nil on context cancel
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped")
}
