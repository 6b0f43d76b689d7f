package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	pgErr := func(code, constraint string) error {
		return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, ConstraintName: constraint, Message: "boom"})
	}

	tests := map[string]struct {
		err  error
		want error
	}{
		"duplicate group":     {pgErr(pgerrcode.UniqueViolation, "cert_groups_pkey"), store.ErrGroupAlreadyExists},
		"duplicate kid":       {pgErr(pgerrcode.UniqueViolation, "certificates_pkey"), store.ErrCertAlreadyExists},
		"other unique":        {pgErr(pgerrcode.UniqueViolation, "something_key"), errdefs.ErrConflict},
		"missing certificate": {pgErr(pgerrcode.ForeignKeyViolation, "certificate_keys_kid_fkey"), store.ErrCertNotFound},
		"check constraint":    {pgErr(pgerrcode.CheckViolation, "cert_groups_valid_days_check"), errdefs.ErrValidation},
		"query canceled":      {pgErr(pgerrcode.QueryCanceled, ""), errdefs.ErrCancelled},
		"serialization":       {pgErr(pgerrcode.SerializationFailure, ""), errdefs.ErrConflict},
		"context canceled":    {fmt.Errorf("query: %w", context.Canceled), errdefs.ErrCancelled},
		"deadline exceeded":   {context.DeadlineExceeded, errdefs.ErrCancelled},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, mapPostgresError(tc.err), tc.want)
		})
	}

	t.Run("passthrough", func(t *testing.T) {
		require.NoError(t, mapPostgresError(nil))

		plain := errors.New("plain")
		require.Equal(t, plain, mapPostgresError(plain))

		err := mapPostgresError(pgErr(pgerrcode.AdminShutdown, ""))
		require.ErrorContains(t, err, "database unavailable")
		require.NotErrorIs(t, err, errdefs.ErrConflict)
	})
}
