package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/floroz/escrow/internal/adapters/api"
	"github.com/floroz/escrow/internal/adapters/cache"
	"github.com/floroz/escrow/internal/adapters/database"
	"github.com/floroz/escrow/internal/config"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/migrations"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Migrations
	if cfg.DB.MigrateUp {
		if err := migrations.Up(cfg.DB.URL); err != nil {
			logger.Error("Unable to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("Migrations applied")
	}

	// 2. Initialize Postgres Connection Pool
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

	// 3. Token verification
	publicKey, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		logger.Error("Unable to read JWT public key", "path", cfg.Auth.PublicKeyPath, "error", err)
		os.Exit(1)
	}
	signer, err := auth.NewSignerFromPublicKey(publicKey, cfg.Auth.Issuer)
	if err != nil {
		logger.Error("Invalid JWT public key", "error", err)
		os.Exit(1)
	}

	// 4. Initialize Service (Domain Layer)
	var opts []auction.Option
	if cfg.Cache.RedisURL != "" {
		rdb, err := newRedisClient(cfg.Cache.RedisURL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis connection failed, serving queries from Postgres", "error", err)
		} else {
			logger.Info("Redis Connected")
			opts = append(opts, auction.WithHighestBidCache(cache.NewRedisHighestBidCache(rdb, cfg.Cache.TTL)))
		}
	}

	service := auction.NewService(
		cfg.Escrow.Self,
		pkgdb.NewPostgresTransactionManager(pool, cfg.DB.LockTimeout),
		database.NewPostgresStateRepository(pool),
		database.NewPostgresBidRepository(pool),
		database.NewPostgresRefundRepository(pool),
		database.NewPostgresLiabilityRepository(pool),
		database.NewPostgresOutboxRepository(pool),
		logger,
		opts...,
	)

	// 5. Initialize API Handler (ConnectRPC)
	mux := http.NewServeMux()
	api.NewEscrowServiceHandler(service, logger).Register(mux, auth.NewAuthInterceptor(signer, api.PublicProcedures...))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.API.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	// 6. Start Server
	// Use h2c for HTTP/2 without TLS (common for internal services / local dev)
	srv := &http.Server{
		Addr:    cfg.API.HTTPAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting Escrow API", "addr", cfg.API.HTTPAddr, "self", cfg.Escrow.Self)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// newRedisClient accepts either a redis:// URL or a bare host:port
func newRedisClient(url string) (*redis.Client, error) {
	if !strings.Contains(url, "://") {
		return redis.NewClient(&redis.Options{Addr: url}), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
