package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
)

// JWKS publishes the public verification keys of a group.
type JWKS struct {
	*core
}

// Publish returns every key of the group that has not expired. Revoked keys
// are left out unless the engine was configured with JWKSIncludeRevoked.
func (j *JWKS) Publish(ctx context.Context, code string) (*pki.JWKS, error) {
	if _, err := j.store.GetGroup(ctx, code); err != nil {
		return nil, errdefs.FromContext(err)
	}

	certs, err := j.store.ListByGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	now := j.now()
	set := &pki.JWKS{Keys: []pki.JWK{}}
	for _, cert := range certs {
		if !j.verifiable(cert, now) {
			continue
		}
		jwk, err := pki.ToJWKFromPEM(cert.CertificatePEM, cert.Kid, cert.UsageType)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}

	j.metrics.JWKSPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("view", "all")))

	return set, nil
}

// LatestKey returns a singleton set holding the group's current signing key.
func (j *JWKS) LatestKey(ctx context.Context, code string) (*pki.JWKS, error) {
	if _, err := j.store.GetGroup(ctx, code); err != nil {
		return nil, errdefs.FromContext(err)
	}

	current, err := j.store.Current(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	jwk, err := pki.ToJWKFromPEM(current.CertificatePEM, current.Kid, current.UsageType)
	if err != nil {
		return nil, err
	}

	j.metrics.JWKSPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("view", "latest")))

	return &pki.JWKS{Keys: []pki.JWK{jwk}}, nil
}

// verifiable reports whether cert belongs in the verification set at now.
func (j *JWKS) verifiable(cert *models.Certificate, now time.Time) bool {
	if cert.IsExpired(now) {
		return false
	}
	return j.includeRevoked || !cert.IsRevoked()
}
