package postgres

import (
	"context"
	"fmt"
)

// Config holds configuration for the PostgreSQL store.
type Config struct {
	Pool PoolConfig

	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	return c.Pool.Validate()
}

// Open connects to PostgreSQL and returns a store owning the pool. Call Close when done.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, cfg.Pool)
	if err != nil {
		return nil, err
	}

	// Run migrations only if explicitly enabled
	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return NewStore(pool), nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
