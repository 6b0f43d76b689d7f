package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

// MaxSearchLimit caps the page size of a search.
const MaxSearchLimit = 1000

// Registry reads and revokes issued certificates.
type Registry struct {
	*core
}

// SearchParams are raw search filters as received from a caller. Empty fields
// are ignored.
type SearchParams struct {
	Kid         string
	GroupCode   string
	IssuerKid   string
	UsageType   string
	Subject     string
	IssuedFrom  *time.Time
	IssuedTo    *time.Time
	ExpiresFrom *time.Time
	ExpiresTo   *time.Time
	Revoked     string // true, false, any or ""
	Limit       int
	Offset      int
}

// Filter validates the params and converts them to a store filter.
func (p SearchParams) Filter() (store.SearchFilter, error) {
	filter := store.SearchFilter{
		Kid:         strings.TrimSpace(p.Kid),
		GroupCode:   strings.TrimSpace(p.GroupCode),
		IssuerKid:   strings.TrimSpace(p.IssuerKid),
		Subject:     strings.TrimSpace(p.Subject),
		IssuedFrom:  p.IssuedFrom,
		IssuedTo:    p.IssuedTo,
		ExpiresFrom: p.ExpiresFrom,
		ExpiresTo:   p.ExpiresTo,
		Limit:       p.Limit,
		Offset:      p.Offset,
	}

	if p.UsageType != "" {
		usageType, err := models.ParseUsageType("usageType", p.UsageType)
		if err != nil {
			return store.SearchFilter{}, err
		}
		filter.UsageType = usageType
	}

	switch revoked := strings.ToLower(strings.TrimSpace(p.Revoked)); revoked {
	case "", "any":
	default:
		b, err := strconv.ParseBool(revoked)
		if err != nil {
			return store.SearchFilter{}, errdefs.Invalid("revoked", errdefs.CodeInvalidFilter, "revoked must be true, false or any, got %q", p.Revoked)
		}
		filter.Revoked = &b
	}

	if p.IssuedFrom != nil && p.IssuedTo != nil && p.IssuedFrom.After(*p.IssuedTo) {
		return store.SearchFilter{}, errdefs.Invalid("issuedFrom", errdefs.CodeInvalidFilter, "issuedFrom is after issuedTo")
	}
	if p.ExpiresFrom != nil && p.ExpiresTo != nil && p.ExpiresFrom.After(*p.ExpiresTo) {
		return store.SearchFilter{}, errdefs.Invalid("expiresFrom", errdefs.CodeInvalidFilter, "expiresFrom is after expiresTo")
	}
	if p.Limit < 0 || p.Limit > MaxSearchLimit {
		return store.SearchFilter{}, errdefs.Invalid("limit", errdefs.CodeInvalidFilter, "limit must be between 0 and %d, got %d", MaxSearchLimit, p.Limit)
	}
	if p.Offset < 0 {
		return store.SearchFilter{}, errdefs.Invalid("offset", errdefs.CodeInvalidFilter, "offset must not be negative, got %d", p.Offset)
	}

	return filter, nil
}

// Search returns the certificates matching every set filter in issuance order.
// A malformed filter is a validation error, never an empty result.
func (r *Registry) Search(ctx context.Context, params SearchParams) ([]*models.Certificate, error) {
	filter, err := params.Filter()
	if err != nil {
		return nil, err
	}

	certs, err := r.store.Search(ctx, filter)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return certs, nil
}

// Get returns a certificate by kid. Revoked certificates remain retrievable.
func (r *Registry) Get(ctx context.Context, kid string) (*models.Certificate, error) {
	cert, err := r.store.Get(ctx, kid)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return cert, nil
}

// ListByGroup returns every certificate issued under a group.
func (r *Registry) ListByGroup(ctx context.Context, code string) ([]*models.Certificate, error) {
	certs, err := r.store.ListByGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return certs, nil
}

// Revoke revokes a certificate. Revocation happens once: revoking again
// returns an AlreadyRevoked conflict and keeps the original time and reason.
func (r *Registry) Revoke(ctx context.Context, kid, reason string) (*models.Certificate, error) {
	cert, err := r.store.Revoke(ctx, kid, strings.TrimSpace(reason), r.now())
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	r.metrics.CertificatesRevokedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("usage_type", string(cert.UsageType)),
	))

	log.Info().
		Str("kid", cert.Kid).
		Str("group_code", cert.GroupCode).
		Str("reason", cert.RevocationReason).
		Msg("Revoked certificate")

	return cert, nil
}
