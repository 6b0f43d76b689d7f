package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

const certificateColumns = `
	id, kid, group_code, issuer_kid, usage_type,
	key_type, key_size, key_curve, subject,
	serial_number, not_before, not_after,
	certificate_pem, public_key_pem,
	key_usage, ext_key_usage,
	revoked_at, revocation_reason, created_at,
	group_deleted_at
`

// Register stores a certificate and its sealed private key in one transaction.
// Certificates belonging to a group lock the group row first.
func (s *Store) Register(ctx context.Context, cert *models.Certificate, opts store.RegisterOptions) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if cert.GroupCode != "" {
			if err := lockGroup(ctx, tx, cert.GroupCode); err != nil {
				return err
			}
		}

		if opts.ExpectCurrentKid != nil {
			currentKid, err := currentKid(ctx, tx, cert.GroupCode)
			if err != nil {
				return err
			}
			if currentKid != *opts.ExpectCurrentKid {
				return store.ErrCurrentKeyChanged
			}
		}

		query := `INSERT INTO certificates (
			id, kid, group_code, issuer_kid, usage_type,
			key_type, key_size, key_curve, subject, subject_text,
			serial_number, not_before, not_after,
			certificate_pem, public_key_pem,
			key_usage, ext_key_usage, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)`

		keyType, keySize, keyCurve := keyPolicyColumns(cert.KeyPolicy)
		_, err := tx.Exec(ctx, query,
			cert.ID,
			cert.Kid,
			nullString(cert.GroupCode),
			nullString(cert.IssuerKid),
			string(cert.UsageType),
			keyType,
			keySize,
			keyCurve,
			cert.Subject,
			cert.Subject.String(),
			cert.SerialNumber,
			cert.NotBefore,
			cert.NotAfter,
			cert.CertificatePEM,
			cert.PublicKeyPEM,
			stringsOf(cert.KeyUsage),
			stringsOf(cert.ExtKeyUsage),
			cert.CreatedAt,
		)
		if err != nil {
			mapped := mapPostgresError(err)
			if errors.Is(mapped, store.ErrCertAlreadyExists) {
				return mapped
			}
			return fmt.Errorf("failed to register certificate: %w", mapped)
		}

		if opts.SealedPrivateKey != nil {
			_, err := tx.Exec(ctx,
				`INSERT INTO certificate_keys (kid, sealed_private_key) VALUES ($1, $2)`,
				cert.Kid, opts.SealedPrivateKey)
			if err != nil {
				return fmt.Errorf("failed to store private key: %w", mapPostgresError(err))
			}
		}

		log.Debug().
			Str("kid", cert.Kid).
			Str("group_code", cert.GroupCode).
			Str("usage_type", string(cert.UsageType)).
			Msg("Registered certificate")

		return nil
	})
}

// currentKid returns the kid of the group's current signing key or "" when there is none.
func currentKid(ctx context.Context, tx pgx.Tx, groupCode string) (string, error) {
	var kid string
	err := tx.QueryRow(ctx, `
		SELECT kid FROM certificates
		WHERE group_code = $1 AND group_deleted_at IS NULL AND revoked_at IS NULL
		ORDER BY not_before DESC, id DESC
		LIMIT 1
	`, groupCode).Scan(&kid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read current key: %w", mapPostgresError(err))
	}
	return kid, nil
}

// Get retrieves a certificate by kid.
func (s *Store) Get(ctx context.Context, kid string) (*models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE kid = $1`

	cert, err := scanCertificate(s.pool.QueryRow(ctx, query, kid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCertNotFound
		}
		return nil, fmt.Errorf("failed to get certificate: %w", mapPostgresError(err))
	}

	return cert, nil
}

// GetPrivateKey returns the sealed private key stored for kid.
func (s *Store) GetPrivateKey(ctx context.Context, kid string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx, `
		SELECT k.sealed_private_key
		FROM certificates c
		LEFT JOIN certificate_keys k ON k.kid = c.kid
		WHERE c.kid = $1
	`, kid).Scan(&sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCertNotFound
		}
		return nil, fmt.Errorf("failed to get private key: %w", mapPostgresError(err))
	}

	if sealed == nil {
		return nil, store.ErrPrivateKeyNotFound
	}

	return sealed, nil
}

// Revoke marks a certificate as revoked. The conditional update gives exactly one winner.
func (s *Store) Revoke(ctx context.Context, kid string, reason string, at time.Time) (*models.Certificate, error) {
	query := `
		UPDATE certificates
		SET revoked_at = $2, revocation_reason = $3
		WHERE kid = $1 AND revoked_at IS NULL
		RETURNING ` + certificateColumns

	cert, err := scanCertificate(s.pool.QueryRow(ctx, query, kid, at, reason))
	if err == nil {
		log.Info().Str("kid", kid).Str("reason", reason).Msg("Revoked certificate")
		return cert, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to revoke certificate: %w", mapPostgresError(err))
	}

	// Nothing updated: either missing or already revoked
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM certificates WHERE kid = $1)`, kid).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check certificate: %w", mapPostgresError(err))
	}
	if !exists {
		return nil, store.ErrCertNotFound
	}

	return nil, store.ErrCertAlreadyRevoked
}

// ListByGroup returns every certificate of the existing group ordered by id.
func (s *Store) ListByGroup(ctx context.Context, groupCode string) ([]*models.Certificate, error) {
	query := `SELECT ` + certificateColumns + `
		FROM certificates
		WHERE group_code = $1 AND group_deleted_at IS NULL
		ORDER BY id`
	return s.queryCertificates(ctx, query, groupCode)
}

// Current returns the group's current signing key.
func (s *Store) Current(ctx context.Context, groupCode string) (*models.Certificate, error) {
	query := `
		SELECT ` + certificateColumns + `
		FROM certificates
		WHERE group_code = $1 AND group_deleted_at IS NULL AND revoked_at IS NULL
		ORDER BY not_before DESC, id DESC
		LIMIT 1
	`

	cert, err := scanCertificate(s.pool.QueryRow(ctx, query, groupCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoCurrentKey
		}
		return nil, fmt.Errorf("failed to get current key: %w", mapPostgresError(err))
	}

	return cert, nil
}

// Search returns the certificates matching filter ordered by id.
func (s *Store) Search(ctx context.Context, filter store.SearchFilter) ([]*models.Certificate, error) {
	query, args := buildSearchQuery(filter)
	return s.queryCertificates(ctx, query, args...)
}

// buildSearchQuery renders filter as a parameterised SELECT.
func buildSearchQuery(filter store.SearchFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.Kid != "" {
		add("kid = ?", filter.Kid)
	}
	if filter.GroupCode != "" {
		add("group_code = ?", filter.GroupCode)
	}
	if filter.IssuerKid != "" {
		add("issuer_kid = ?", filter.IssuerKid)
	}
	if filter.UsageType != "" {
		add("usage_type = ?", string(filter.UsageType))
	}
	if filter.Subject != "" {
		add("lower(subject_text) LIKE ?", "%"+escapeLike(strings.ToLower(filter.Subject))+"%")
	}
	if filter.IssuedFrom != nil {
		add("not_before >= ?", *filter.IssuedFrom)
	}
	if filter.IssuedTo != nil {
		add("not_before <= ?", *filter.IssuedTo)
	}
	if filter.HasExpiryRange() {
		conditions = append(conditions, "not_after IS NOT NULL")
	}
	if filter.ExpiresFrom != nil {
		add("not_after >= ?", *filter.ExpiresFrom)
	}
	if filter.ExpiresTo != nil {
		add("not_after <= ?", *filter.ExpiresTo)
	}
	if filter.Revoked != nil {
		if *filter.Revoked {
			conditions = append(conditions, "revoked_at IS NOT NULL")
		} else {
			conditions = append(conditions, "revoked_at IS NULL")
		}
	}

	var b strings.Builder
	b.WriteString("SELECT " + certificateColumns + " FROM certificates")
	if len(conditions) > 0 {
		b.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY id")

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}

	return b.String(), args
}

// escapeLike escapes LIKE wildcards using the default backslash escape character.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) queryCertificates(ctx context.Context, query string, args ...any) ([]*models.Certificate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", mapPostgresError(err))
	}
	defer rows.Close()

	certs := []*models.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating certificates: %w", mapPostgresError(err))
	}

	return certs, nil
}

func scanCertificate(row pgx.Row) (*models.Certificate, error) {
	var (
		c                 models.Certificate
		groupCode         *string
		issuerKid         *string
		usageType         string
		keyType, keyCurve string
		keySize           int
		keyUsage, extKU   []string
	)

	err := row.Scan(
		&c.ID,
		&c.Kid,
		&groupCode,
		&issuerKid,
		&usageType,
		&keyType,
		&keySize,
		&keyCurve,
		&c.Subject,
		&c.SerialNumber,
		&c.NotBefore,
		&c.NotAfter,
		&c.CertificatePEM,
		&c.PublicKeyPEM,
		&keyUsage,
		&extKU,
		&c.RevokedAt,
		&c.RevocationReason,
		&c.CreatedAt,
		&c.GroupDeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if groupCode != nil {
		c.GroupCode = *groupCode
	}
	if issuerKid != nil {
		c.IssuerKid = *issuerKid
	}
	c.UsageType = models.UsageType(usageType)
	c.KeyPolicy = keyPolicyFromColumns(keyType, keySize, keyCurve)
	c.KeyUsage = typedOf[models.KeyUsage](keyUsage)
	c.ExtKeyUsage = typedOf[models.ExtKeyUsage](extKU)

	// timestamptz scans in the local zone
	c.NotBefore = c.NotBefore.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	if c.NotAfter != nil {
		notAfter := c.NotAfter.UTC()
		c.NotAfter = &notAfter
	}
	if c.RevokedAt != nil {
		revokedAt := c.RevokedAt.UTC()
		c.RevokedAt = &revokedAt
	}
	if c.GroupDeletedAt != nil {
		deletedAt := c.GroupDeletedAt.UTC()
		c.GroupDeletedAt = &deletedAt
	}

	return &c, nil
}
