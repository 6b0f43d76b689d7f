package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

const groupColumns = `
	group_code, display_name, usage_type,
	key_type, key_size, key_curve, subject,
	auto_rotate, rotation_threshold_days, valid_days,
	key_usage, ext_key_usage, created_at, updated_at
`

// CreateGroup inserts a new group.
func (s *Store) CreateGroup(ctx context.Context, group *models.Group) error {
	query := `INSERT INTO cert_groups (` + groupColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
	)`

	keyType, keySize, keyCurve := keyPolicyColumns(group.KeyPolicy)
	_, err := s.pool.Exec(ctx, query,
		group.Code,
		group.DisplayName,
		string(group.UsageType),
		keyType,
		keySize,
		keyCurve,
		group.Subject,
		group.AutoRotate,
		group.RotationThresholdDays,
		group.ValidDays,
		stringsOf(group.KeyUsage),
		stringsOf(group.ExtKeyUsage),
		group.CreatedAt,
		group.UpdatedAt,
	)
	if err != nil {
		mapped := mapPostgresError(err)
		if errors.Is(mapped, store.ErrGroupAlreadyExists) {
			return mapped
		}
		return fmt.Errorf("failed to create group: %w", mapped)
	}

	log.Debug().
		Str("group_code", group.Code).
		Str("usage_type", string(group.UsageType)).
		Msg("Created group")

	return nil
}

// GetGroup retrieves a group by code.
func (s *Store) GetGroup(ctx context.Context, code string) (*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM cert_groups WHERE group_code = $1`

	group, err := scanGroup(s.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get group: %w", mapPostgresError(err))
	}

	return group, nil
}

// UpdateGroup replaces the mutable fields of a group. Code and created_at are untouched.
func (s *Store) UpdateGroup(ctx context.Context, group *models.Group) error {
	query := `
		UPDATE cert_groups SET
			display_name = $2,
			usage_type = $3,
			key_type = $4,
			key_size = $5,
			key_curve = $6,
			subject = $7,
			auto_rotate = $8,
			rotation_threshold_days = $9,
			valid_days = $10,
			key_usage = $11,
			ext_key_usage = $12,
			updated_at = $13
		WHERE group_code = $1
	`

	keyType, keySize, keyCurve := keyPolicyColumns(group.KeyPolicy)
	tag, err := s.pool.Exec(ctx, query,
		group.Code,
		group.DisplayName,
		string(group.UsageType),
		keyType,
		keySize,
		keyCurve,
		group.Subject,
		group.AutoRotate,
		group.RotationThresholdDays,
		group.ValidDays,
		stringsOf(group.KeyUsage),
		stringsOf(group.ExtKeyUsage),
		group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", mapPostgresError(err))
	}

	if tag.RowsAffected() == 0 {
		return store.ErrGroupNotFound
	}

	return nil
}

// DeleteGroup removes a group that has no active certificates and stamps its
// certificates with group_deleted_at. The group row lock excludes concurrent
// registrations into the same group.
func (s *Store) DeleteGroup(ctx context.Context, code string, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, code); err != nil {
			return err
		}

		var active bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM certificates
				WHERE group_code = $1
				  AND group_deleted_at IS NULL
				  AND revoked_at IS NULL
				  AND (not_after IS NULL OR not_after > $2)
			)
		`, code, now).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to check active certificates: %w", mapPostgresError(err))
		}

		if active {
			return store.ErrGroupHasActiveCertificates
		}

		detached, err := tx.Exec(ctx, `
			UPDATE certificates SET group_deleted_at = $2
			WHERE group_code = $1 AND group_deleted_at IS NULL
		`, code, now)
		if err != nil {
			return fmt.Errorf("failed to detach certificates: %w", mapPostgresError(err))
		}

		if _, err := tx.Exec(ctx, `DELETE FROM cert_groups WHERE group_code = $1`, code); err != nil {
			return fmt.Errorf("failed to delete group: %w", mapPostgresError(err))
		}

		log.Debug().Str("group_code", code).Int64("detached_certificates", detached.RowsAffected()).Msg("Deleted group")
		return nil
	})
}

// ListGroups returns all groups ordered by code.
func (s *Store) ListGroups(ctx context.Context) ([]*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM cert_groups ORDER BY group_code`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", mapPostgresError(err))
	}
	defer rows.Close()

	groups := []*models.Group{}
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", mapPostgresError(err))
	}

	return groups, nil
}

func scanGroup(row pgx.Row) (*models.Group, error) {
	var (
		g                 models.Group
		usageType         string
		keyType, keyCurve string
		keySize           int
		keyUsage, extKU   []string
	)

	err := row.Scan(
		&g.Code,
		&g.DisplayName,
		&usageType,
		&keyType,
		&keySize,
		&keyCurve,
		&g.Subject,
		&g.AutoRotate,
		&g.RotationThresholdDays,
		&g.ValidDays,
		&keyUsage,
		&extKU,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.UsageType = models.UsageType(usageType)
	g.KeyPolicy = keyPolicyFromColumns(keyType, keySize, keyCurve)
	g.KeyUsage = typedOf[models.KeyUsage](keyUsage)
	g.ExtKeyUsage = typedOf[models.ExtKeyUsage](extKU)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()

	return &g, nil
}
