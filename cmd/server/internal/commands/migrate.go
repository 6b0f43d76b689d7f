package commands

import (
	"context"
	"errors"
	"fmt"

	postgresstore "github.com/wolfeidau/keyforge/internal/store/postgres"
)

// MigrateCmd applies pending PostgreSQL migrations.
type MigrateCmd struct {
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogging(globals.Debug)

	if c.Postgres.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}

	cfg := c.Postgres.config()
	pool, err := postgresstore.NewPool(ctx, cfg.Pool)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := postgresstore.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Database migrations completed")
	return nil
}
