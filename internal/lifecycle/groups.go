package lifecycle

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

// Groups manages certificate group policies.
type Groups struct {
	*core
}

// Create validates and stores a new group.
func (g *Groups) Create(ctx context.Context, group *models.Group) (*models.Group, error) {
	group = group.Clone()
	group.Normalize()
	if err := group.Validate(); err != nil {
		return nil, err
	}

	now := g.now()
	group.CreatedAt = now
	group.UpdatedAt = now

	if err := g.store.CreateGroup(ctx, group); err != nil {
		return nil, errdefs.FromContext(err)
	}

	log.Info().
		Str("group_code", group.Code).
		Str("usage_type", string(group.UsageType)).
		Str("key_policy", group.KeyPolicy.String()).
		Msg("Created certificate group")

	return group, nil
}

// Update replaces the mutable policy fields of an existing group.
// The code, creation time and issued certificates are untouched.
func (g *Groups) Update(ctx context.Context, group *models.Group) (*models.Group, error) {
	group = group.Clone()
	group.Normalize()
	if err := group.Validate(); err != nil {
		return nil, err
	}

	existing, err := g.store.GetGroup(ctx, group.Code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	group.CreatedAt = existing.CreatedAt
	group.UpdatedAt = g.now()

	if err := g.store.UpdateGroup(ctx, group); err != nil {
		return nil, errdefs.FromContext(err)
	}

	log.Info().Str("group_code", group.Code).Msg("Updated certificate group")

	return group, nil
}

// Delete removes a group. It fails with a conflict while the group has any
// non-revoked certificate that has not yet expired.
func (g *Groups) Delete(ctx context.Context, code string) error {
	if err := g.store.DeleteGroup(ctx, code, g.now()); err != nil {
		return errdefs.FromContext(err)
	}

	log.Info().Str("group_code", code).Msg("Deleted certificate group")
	return nil
}

// Get returns a group by code.
func (g *Groups) Get(ctx context.Context, code string) (*models.Group, error) {
	group, err := g.store.GetGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return group, nil
}

// List returns all groups ordered by code.
func (g *Groups) List(ctx context.Context) ([]*models.Group, error) {
	groups, err := g.store.ListGroups(ctx)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return groups, nil
}
