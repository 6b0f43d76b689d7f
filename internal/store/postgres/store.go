package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL. Group deletion and certificate
// registration both take a row lock on the group so they are mutually exclusive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PostgreSQL-backed store sharing the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Debug().Err(rbErr).Msg("Rollback failed")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPostgresError(err))
	}
	return nil
}

// lockGroup takes a row lock on the group, returning ErrGroupNotFound when it does not exist.
func lockGroup(ctx context.Context, tx pgx.Tx, code string) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT group_code FROM cert_groups WHERE group_code = $1 FOR UPDATE`, code).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrGroupNotFound
		}
		return fmt.Errorf("failed to lock group: %w", mapPostgresError(err))
	}
	return nil
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func typedOf[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// keyPolicyColumns flattens a key policy into its three columns.
func keyPolicyColumns(p models.KeyPolicy) (string, int, string) {
	return string(p.Type), p.Size, string(p.Curve)
}

func keyPolicyFromColumns(keyType string, size int, curve string) models.KeyPolicy {
	return models.KeyPolicy{Type: models.KeyType(keyType), Size: size, Curve: models.Curve(curve)}
}

// nullString converts "" to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
