package memory

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

// CreateGroup stores a new group
func (s *Store) CreateGroup(ctx context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.Code]; exists {
		return store.ErrGroupAlreadyExists
	}

	s.groups[group.Code] = group.Clone()
	return nil
}

// GetGroup retrieves a group by code
func (s *Store) GetGroup(ctx context.Context, code string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, exists := s.groups[code]
	if !exists {
		return nil, store.ErrGroupNotFound
	}

	return group.Clone(), nil
}

// UpdateGroup replaces the stored group, keeping its creation time
func (s *Store) UpdateGroup(ctx context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.groups[group.Code]
	if !exists {
		return store.ErrGroupNotFound
	}

	updated := group.Clone()
	updated.CreatedAt = existing.CreatedAt
	s.groups[group.Code] = updated
	return nil
}

// DeleteGroup removes a group that has no active certificates. Its certificates
// are kept for search but detached from the group code.
func (s *Store) DeleteGroup(ctx context.Context, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[code]; !exists {
		return store.ErrGroupNotFound
	}

	for _, cert := range s.certsByGroup[code] {
		if cert.IsActive(now) {
			log.Debug().Str("group_code", code).Str("kid", cert.Kid).Msg("group delete blocked by active certificate")
			return store.ErrGroupHasActiveCertificates
		}
	}

	for _, cert := range s.certsByGroup[code] {
		deletedAt := now
		cert.GroupDeletedAt = &deletedAt
	}
	delete(s.certsByGroup, code)
	delete(s.groups, code)
	return nil
}

// ListGroups returns all groups ordered by code
func (s *Store) ListGroups(ctx context.Context) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Group, 0, len(s.groups))
	for _, group := range s.groups {
		result = append(result, group.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Code < result[j].Code
	})

	return result, nil
}
