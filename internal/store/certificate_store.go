package store

import (
	"context"
	"strings"
	"time"

	"github.com/wolfeidau/keyforge/internal/models"
)

// CertificateStore persists issued certificates and their revocation state.
// Certificates are never deleted.
type CertificateStore interface {
	// Register stores a new certificate and its sealed private key. When the
	// certificate belongs to a group the group must exist (ErrGroupNotFound).
	Register(ctx context.Context, cert *models.Certificate, opts RegisterOptions) error

	// Get retrieves a certificate by kid
	Get(ctx context.Context, kid string) (*models.Certificate, error)

	// GetPrivateKey returns the sealed private key stored for kid
	GetPrivateKey(ctx context.Context, kid string) ([]byte, error)

	// Revoke sets revokedAt and the reason exactly once. A second revoke of the
	// same kid returns ErrCertAlreadyRevoked and leaves the first values intact.
	Revoke(ctx context.Context, kid string, reason string, at time.Time) (*models.Certificate, error)

	// ListByGroup returns every certificate of the existing group ordered by id.
	// Certificates of an earlier group deleted under the same code are excluded.
	ListByGroup(ctx context.Context, groupCode string) ([]*models.Certificate, error)

	// Current returns the group's current signing key or ErrNoCurrentKey. Like
	// ListByGroup it only considers the existing group's certificates.
	Current(ctx context.Context, groupCode string) (*models.Certificate, error)

	// Search returns certificates matching every set filter ordered by id
	Search(ctx context.Context, filter SearchFilter) ([]*models.Certificate, error)
}

// RegisterOptions controls certificate registration.
type RegisterOptions struct {
	// SealedPrivateKey is stored separately from the certificate record. Nil
	// when the caller keeps the private key (CSR signing).
	SealedPrivateKey []byte

	// ExpectCurrentKid, when set, makes registration conditional on the group's
	// current signing key still being this kid ("" = no current key). Used to
	// stop concurrent rotations from minting more than one new key.
	ExpectCurrentKid *string
}

// SearchFilter selects certificates. Zero values are ignored and set fields
// are AND-combined. Time ranges are inclusive. GroupCode also matches
// certificates of deleted groups.
type SearchFilter struct {
	Kid         string
	GroupCode   string
	IssuerKid   string // certificates signed from CSRs by this group key
	UsageType   models.UsageType
	Subject     string // case-insensitive substring of the serialized subject
	IssuedFrom  *time.Time
	IssuedTo    *time.Time
	ExpiresFrom *time.Time // certificates with unlimited validity never match an expiry range
	ExpiresTo   *time.Time
	Revoked     *bool // nil = any
	Limit       int   // 0 = no limit
	Offset      int
}

// HasExpiryRange is true when either expiry bound is set.
func (f SearchFilter) HasExpiryRange() bool {
	return f.ExpiresFrom != nil || f.ExpiresTo != nil
}

// Matches reports whether cert satisfies every predicate except paging.
func (f SearchFilter) Matches(cert *models.Certificate) bool {
	if f.Kid != "" && cert.Kid != f.Kid {
		return false
	}
	if f.GroupCode != "" && cert.GroupCode != f.GroupCode {
		return false
	}
	if f.IssuerKid != "" && cert.IssuerKid != f.IssuerKid {
		return false
	}
	if f.UsageType != "" && cert.UsageType != f.UsageType {
		return false
	}
	if f.Subject != "" && !strings.Contains(strings.ToLower(cert.Subject.String()), strings.ToLower(f.Subject)) {
		return false
	}
	if !inRange(cert.NotBefore, f.IssuedFrom, f.IssuedTo) {
		return false
	}
	if f.HasExpiryRange() && (cert.NotAfter == nil || !inRange(*cert.NotAfter, f.ExpiresFrom, f.ExpiresTo)) {
		return false
	}
	if f.Revoked != nil && cert.IsRevoked() != *f.Revoked {
		return false
	}
	return true
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}
