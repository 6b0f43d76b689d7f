package memory

import (
	"context"
	"sort"
	"time"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

// Register stores a certificate and its sealed private key
func (s *Store) Register(ctx context.Context, cert *models.Certificate, opts store.RegisterOptions) error {
	if err := ctx.Err(); err != nil {
		return errdefs.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[cert.Kid]; exists {
		return store.ErrCertAlreadyExists
	}

	if cert.GroupCode != "" {
		if _, exists := s.groups[cert.GroupCode]; !exists {
			return store.ErrGroupNotFound
		}
	}

	if opts.ExpectCurrentKid != nil {
		currentKid := ""
		if current := models.SelectCurrent(s.certsByGroup[cert.GroupCode]); current != nil {
			currentKid = current.Kid
		}
		if currentKid != *opts.ExpectCurrentKid {
			return store.ErrCurrentKeyChanged
		}
	}

	// Store a copy without the private key
	stored := cert.Clone()
	stored.PrivateKeyPEM = ""

	s.certs[stored.Kid] = stored
	s.order = append(s.order, stored)
	if stored.GroupCode != "" {
		s.certsByGroup[stored.GroupCode] = append(s.certsByGroup[stored.GroupCode], stored)
	}
	if opts.SealedPrivateKey != nil {
		s.privateKeys[stored.Kid] = append([]byte(nil), opts.SealedPrivateKey...)
	}

	return nil
}

// Get retrieves a certificate by kid
func (s *Store) Get(ctx context.Context, kid string) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, exists := s.certs[kid]
	if !exists {
		return nil, store.ErrCertNotFound
	}

	// Return a copy to avoid external modifications
	return cert.Clone(), nil
}

// GetPrivateKey returns the sealed private key for kid
func (s *Store) GetPrivateKey(ctx context.Context, kid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.certs[kid]; !exists {
		return nil, store.ErrCertNotFound
	}

	sealed, exists := s.privateKeys[kid]
	if !exists {
		return nil, store.ErrPrivateKeyNotFound
	}

	return append([]byte(nil), sealed...), nil
}

// Revoke marks a certificate as revoked
func (s *Store) Revoke(ctx context.Context, kid string, reason string, at time.Time) (*models.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, exists := s.certs[kid]
	if !exists {
		return nil, store.ErrCertNotFound
	}

	if cert.IsRevoked() {
		return nil, store.ErrCertAlreadyRevoked
	}

	revokedAt := at
	cert.RevokedAt = &revokedAt
	cert.RevocationReason = reason

	return cert.Clone(), nil
}

// ListByGroup returns the group's certificates ordered by id
func (s *Store) ListByGroup(ctx context.Context, groupCode string) ([]*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneAll(byID(s.certsByGroup[groupCode])), nil
}

// Current returns the group's current signing key
func (s *Store) Current(ctx context.Context, groupCode string) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := models.SelectCurrent(s.certsByGroup[groupCode])
	if current == nil {
		return nil, store.ErrNoCurrentKey
	}

	return current.Clone(), nil
}

// Search returns the certificates matching filter ordered by id
func (s *Store) Search(ctx context.Context, filter store.SearchFilter) ([]*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// certsByGroup only holds the live group, so deleted groups are found by scanning
	candidates := byID(s.order)

	result := []*models.Certificate{}
	skipped := 0
	for _, cert := range candidates {
		if !filter.Matches(cert) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}

		result = append(result, cert.Clone())

		// Apply limit
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}

	return result, nil
}

// byID returns a copy of certs sorted by id
func byID(certs []*models.Certificate) []*models.Certificate {
	sorted := append([]*models.Certificate(nil), certs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func cloneAll(certs []*models.Certificate) []*models.Certificate {
	result := make([]*models.Certificate, len(certs))
	for i, cert := range certs {
		result[i] = cert.Clone()
	}
	return result
}
