package store

import (
	"context"
	"time"

	"github.com/wolfeidau/keyforge/internal/models"
)

// GroupStore manages certificate group policies
type GroupStore interface {
	// CreateGroup stores a new group, failing with ErrGroupAlreadyExists if the code is taken
	CreateGroup(ctx context.Context, group *models.Group) error

	// GetGroup retrieves a group by code
	GetGroup(ctx context.Context, code string) (*models.Group, error)

	// UpdateGroup replaces the mutable policy fields of an existing group
	UpdateGroup(ctx context.Context, group *models.Group) error

	// DeleteGroup removes a group unless it still has a certificate that is
	// active at now, in which case ErrGroupHasActiveCertificates is returned.
	// Certificates are retained.
	DeleteGroup(ctx context.Context, code string, now time.Time) error

	// ListGroups returns all groups ordered by code
	ListGroups(ctx context.Context) ([]*models.Group, error)
}
