package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/store"
	"github.com/wolfeidau/keyforge/internal/telemetry"
)

// ErrKeyRevoked is returned when a revoked key is asked to sign.
var ErrKeyRevoked = fmt.Errorf("signing key is revoked: %w", errdefs.ErrForbidden)

// Signer signs caller supplied payloads with a group's private keys.
type Signer struct {
	*core
}

// SignRequest names the key and carries the encoded payload. An empty Kid
// selects the group's current signing key.
type SignRequest struct {
	GroupCode string
	Kid       string
	Payload   string
	Encoding  pki.PayloadEncoding
}

// SignResult is a detached signature. Signature is standard base64.
type SignResult struct {
	Kid           string `json:"kid"`
	Signature     string `json:"signature"`
	Algorithm     string `json:"algorithm"`
	HashAlgorithm string `json:"hashAlgorithm"`
}

// Sign signs the decoded payload with the key identified by (GroupCode, Kid).
// A kid outside the group is NotFound and a revoked key is Forbidden.
func (s *Signer) Sign(ctx context.Context, req SignRequest) (result *SignResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.sign",
		attribute.String("group_code", req.GroupCode),
		attribute.String("kid", req.Kid),
	)
	defer func() {
		if err != nil {
			s.metrics.PayloadSignErrorsTotal.Add(ctx, 1)
		}
		telemetry.EndSpan(span, err)
	}()

	if req.GroupCode == "" {
		return nil, errdefs.Invalid("groupCode", errdefs.CodeRequired, "group code is required")
	}

	payload, err := pki.DecodePayload(req.Payload, req.Encoding)
	if err != nil {
		return nil, err
	}

	cert, err := s.resolve(ctx, req.GroupCode, req.Kid)
	if err != nil {
		return nil, err
	}

	if cert.IsRevoked() {
		log.Warn().
			Str("kid", cert.Kid).
			Str("group_code", cert.GroupCode).
			Msg("Refused to sign with revoked key")
		return nil, ErrKeyRevoked
	}

	key, err := s.privateKey(ctx, cert.Kid)
	if err != nil {
		return nil, err
	}

	sig, err := pki.SignPayload(key, payload)
	if err != nil {
		return nil, err
	}

	s.metrics.PayloadsSignedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", sig.Algorithm)))

	log.Debug().
		Str("kid", cert.Kid).
		Str("group_code", cert.GroupCode).
		Str("algorithm", sig.Algorithm).
		Int("payload_bytes", len(payload)).
		Msg("Signed payload")

	return &SignResult{
		Kid:           cert.Kid,
		Signature:     base64.StdEncoding.EncodeToString(sig.Signature),
		Algorithm:     sig.Algorithm,
		HashAlgorithm: sig.HashAlgorithm,
	}, nil
}

func (s *Signer) resolve(ctx context.Context, groupCode, kid string) (*models.Certificate, error) {
	if kid == "" {
		cert, err := s.store.Current(ctx, groupCode)
		if err != nil {
			return nil, errdefs.FromContext(err)
		}
		return cert, nil
	}

	cert, err := s.store.Get(ctx, kid)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	// keys of an earlier group deleted under the same code are not the group's
	if cert.GroupCode != groupCode || cert.GroupDeletedAt != nil {
		return nil, store.ErrCertNotFound
	}
	return cert, nil
}
