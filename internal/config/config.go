// Package config reads the escrow's environment.
package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/floroz/escrow/internal/domain/auction"
)

type Config struct {
	DB struct {
		URL         string        `env:"ESCROW_DB_URL,required"`
		LockTimeout time.Duration `env:"DB_LOCK_TIMEOUT" envDefault:"3s"`
		MigrateUp   bool          `env:"MIGRATE_ON_START" envDefault:"false"`
	}
	Broker struct {
		RabbitMQURL string `env:"RABBITMQ_URL"`
		NATSURL     string `env:"NATS_URL"`
	}
	Cache struct {
		RedisURL string        `env:"REDIS_URL"`
		TTL      time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	}
	Escrow struct {
		Self      auction.AccountID `env:"SELF_ACCOUNT_ID,required"`
		LedgerURL string            `env:"LEDGER_URL" envDefault:"http://localhost:8090"`
	}
	Auth struct {
		PublicKeyPath  string        `env:"JWT_PUBLIC_KEY_PATH"`
		PrivateKeyPath string        `env:"JWT_PRIVATE_KEY_PATH"`
		Issuer         string        `env:"JWT_ISSUER" envDefault:"escrow"`
		TokenTTL       time.Duration `env:"JWT_TOKEN_TTL" envDefault:"5m"`
	}
	API struct {
		HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
		MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	}
	Relay struct {
		BatchSize int           `env:"RELAY_BATCH_SIZE" envDefault:"10"`
		Interval  time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	}
	Refund struct {
		MaxAttempts uint          `env:"REFUND_MAX_ATTEMPTS" envDefault:"5"`
		RetryDelay  time.Duration `env:"REFUND_RETRY_DELAY" envDefault:"200ms"`
	}
	App struct {
		LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	}
}

// Load reads .env.local and .env when present, then parses the environment.
func Load() (Config, error) {
	// Local overrides .env; both are optional
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (Config, error) {
	var c Config
	if err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(auction.AccountID("")): func(v string) (interface{}, error) {
			return auction.ParseAccountID(v)
		},
		reflect.TypeOf(slog.Level(0)): func(v string) (interface{}, error) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return level, nil
		},
	}); err != nil {
		return Config{}, fmt.Errorf("config parsing failed: %w", err)
	}

	if c.Escrow.Self.IsZero() {
		return Config{}, fmt.Errorf("SELF_ACCOUNT_ID must not be empty")
	}
	if c.Relay.BatchSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_BATCH_SIZE must be positive, got %d", c.Relay.BatchSize)
	}
	if c.Refund.MaxAttempts == 0 {
		return Config{}, fmt.Errorf("REFUND_MAX_ATTEMPTS must be positive")
	}
	return c, nil
}
