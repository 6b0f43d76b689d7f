package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const applicationName = "keyforge"

// PoolConfig configures the pgx connection pool. Zero values take the defaults
// listed on each field.
type PoolConfig struct {
	// ConnString is a postgres:// URL or key=value DSN.
	ConnString string

	MaxConns int32 // 20
	MinConns int32 // 2

	MaxConnLifetime   time.Duration // 1h
	MaxConnIdleTime   time.Duration // 30m
	HealthCheckPeriod time.Duration // 1m
	ConnectTimeout    time.Duration // 10s

	// ConnectRetryTimeout bounds how long NewPool waits for the database to
	// accept connections. Default: 30s
	ConnectRetryTimeout time.Duration
}

// Validate checks that the pool configuration is usable.
func (c PoolConfig) Validate() error {
	if c.ConnString == "" {
		return errors.New("connection string is required")
	}
	if c.MinConns < 0 || c.MaxConns < 0 {
		return errors.New("connection counts must not be negative")
	}
	if c.MaxConns > 0 && c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns %d exceeds max conns %d", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c PoolConfig) withDefaults() PoolConfig {
	setDefault(&c.MaxConns, 20)
	setDefault(&c.MinConns, 2)
	setDefault(&c.MaxConnLifetime, time.Hour)
	setDefault(&c.MaxConnIdleTime, 30*time.Minute)
	setDefault(&c.HealthCheckPeriod, time.Minute)
	setDefault(&c.ConnectTimeout, 10*time.Second)
	setDefault(&c.ConnectRetryTimeout, 30*time.Second)
	return c
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// pgxConfig converts the settings to a pgxpool config, tagging connections
// with the application name so they are visible in pg_stat_activity.
func (c PoolConfig) pgxConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	cfg.MaxConns = c.MaxConns
	cfg.MinConns = c.MinConns
	cfg.MaxConnLifetime = c.MaxConnLifetime
	cfg.MaxConnIdleTime = c.MaxConnIdleTime
	cfg.HealthCheckPeriod = c.HealthCheckPeriod
	cfg.ConnConfig.ConnectTimeout = c.ConnectTimeout
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}

// NewPool opens a pool and waits, with exponential backoff, until the database
// answers a ping or ConnectRetryTimeout elapses.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	cfg = cfg.withDefaults()

	pgxCfg, err := cfg.pgxConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitForDatabase(ctx, pool, cfg.ConnectRetryTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("database", pgxCfg.ConnConfig.Database).
		Str("host", pgxCfg.ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	return pool, nil
}

func waitForDatabase(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, pool.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("Database not ready")
		}),
	)
	if err != nil {
		return fmt.Errorf("database not reachable after %d attempts: %w", attempts, mapPostgresError(err))
	}
	return nil
}
