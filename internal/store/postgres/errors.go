package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/store"
)

// uniqueViolations maps constraint names from migrations/1_initial_schema.sql
// to the store sentinel reported when they are violated.
var uniqueViolations = map[string]error{
	"cert_groups_pkey":      store.ErrGroupAlreadyExists,
	"certificates_pkey":     store.ErrCertAlreadyExists,
	"certificates_id_key":   store.ErrCertAlreadyExists,
	"certificate_keys_pkey": store.ErrCertAlreadyExists,
}

// mapPostgresError translates pgx and server errors into store and errdefs
// sentinels. Errors it does not recognise are wrapped with the SQLSTATE.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errdefs.FromContext(err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch code := pgErr.Code; {
	case code == pgerrcode.UniqueViolation:
		if sentinel, ok := uniqueViolations[pgErr.ConstraintName]; ok {
			return sentinel
		}
		return fmt.Errorf("%w: unique constraint %s: %w", errdefs.ErrConflict, pgErr.ConstraintName, err)

	case code == pgerrcode.ForeignKeyViolation:
		// certificate_keys.kid references certificates
		return fmt.Errorf("%w: %s", store.ErrCertNotFound, pgErr.Detail)

	case code == pgerrcode.CheckViolation:
		return fmt.Errorf("%w: check constraint %s: %w", errdefs.ErrValidation, pgErr.ConstraintName, err)

	case code == pgerrcode.QueryCanceled:
		return fmt.Errorf("%w: query canceled: %w", errdefs.ErrCancelled, err)

	case pgerrcode.IsTransactionRollback(code):
		return fmt.Errorf("%w: transaction rolled back (%s): %w", errdefs.ErrConflict, code, err)

	case pgerrcode.IsConnectionException(code), pgerrcode.IsOperatorIntervention(code),
		pgerrcode.IsInsufficientResources(code):
		return fmt.Errorf("database unavailable (%s): %w", code, err)
	}

	return fmt.Errorf("postgres error [%s] %s: %w", pgErr.Code, pgErr.Message, err)
}
