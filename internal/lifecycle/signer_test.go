package lifecycle

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
)

func TestSignerRoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := []byte("hello, keyforge\x00\xff")

	tests := []struct {
		name     string
		policy   models.KeyPolicy
		alg      string
		hash     string
		encoding pki.PayloadEncoding
		encoded  string
	}{
		{
			name: "rsa", policy: models.RSAPolicy(2048), alg: pki.AlgRS256, hash: "SHA-256",
			encoding: pki.EncodingBase64, encoded: base64.StdEncoding.EncodeToString(payload),
		},
		{
			name: "p-256", policy: models.ECPolicy(models.CurveP256), alg: pki.AlgES256, hash: "SHA-256",
			encoding: pki.EncodingBase64URL, encoded: base64.RawURLEncoding.EncodeToString(payload),
		},
		{
			name: "p-384", policy: models.ECPolicy(models.CurveP384), alg: pki.AlgES384, hash: "SHA-384",
			encoding: "", encoded: base64.RawStdEncoding.EncodeToString(payload),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			g := ecGroup("signing")
			g.KeyPolicy = tt.policy
			_, err := e.Groups.Create(ctx, g)
			require.NoError(t, err)
			cert, err := e.Issuance.IssueUnderGroup(ctx, "signing", IssueOptions{})
			require.NoError(t, err)

			signed, err := e.Signer.Sign(ctx, SignRequest{
				GroupCode: "signing",
				Kid:       cert.Kid,
				Payload:   tt.encoded,
				Encoding:  tt.encoding,
			})
			require.NoError(t, err)
			require.Equal(t, cert.Kid, signed.Kid)
			require.Equal(t, tt.alg, signed.Algorithm)
			require.Equal(t, tt.hash, signed.HashAlgorithm)

			// verifiable from the published JWK and from the certificate
			jwks, err := e.JWKS.Publish(ctx, "signing")
			require.NoError(t, err)
			require.Len(t, jwks.Keys, 1)
			require.Equal(t, tt.alg, jwks.Keys[0].Alg)
			requireVerifies(t, jwks.Keys[0], signed, payload)

			sig, err := base64.StdEncoding.DecodeString(signed.Signature)
			require.NoError(t, err)
			require.NoError(t, pki.VerifyPayload(parseCert(t, cert).PublicKey, signed.Algorithm, payload, sig))
			require.Error(t, pki.VerifyPayload(parseCert(t, cert).PublicKey, signed.Algorithm, []byte("tampered"), sig))
		})
	}
}

func TestSignerErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Groups.Create(ctx, ecGroup("api"))
	require.NoError(t, err)
	_, err = e.Groups.Create(ctx, ecGroup("other"))
	require.NoError(t, err)
	cert, err := e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{})
	require.NoError(t, err)

	payload := base64.StdEncoding.EncodeToString([]byte("payload"))

	t.Run("empty kid uses the current key", func(t *testing.T) {
		signed, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Payload: payload})
		require.NoError(t, err)
		require.Equal(t, cert.Kid, signed.Kid)
	})

	t.Run("group code is required", func(t *testing.T) {
		_, err := e.Signer.Sign(ctx, SignRequest{Kid: cert.Kid, Payload: payload})
		requireValidation(t, err, errdefs.CodeRequired)
	})

	t.Run("kid from another group", func(t *testing.T) {
		_, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "other", Kid: cert.Kid, Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Kid: "missing", Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("group without keys", func(t *testing.T) {
		_, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "other", Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("payload encoding", func(t *testing.T) {
		_, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Payload: payload, Encoding: "hex"})
		requireValidation(t, err, errdefs.CodeInvalidPayloadEncoding)

		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Payload: "not base64!"})
		requireValidation(t, err, errdefs.CodeInvalidPayload)
	})

	t.Run("empty payload signs zero bytes", func(t *testing.T) {
		signed, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "api"})
		require.NoError(t, err)
		require.Equal(t, cert.Kid, signed.Kid)

		sig, err := base64.StdEncoding.DecodeString(signed.Signature)
		require.NoError(t, err)
		parsed := parseCert(t, cert)
		require.NoError(t, pki.VerifyPayload(parsed.PublicKey, signed.Algorithm, []byte{}, sig))
	})

	t.Run("ad-hoc certificates cannot sign through a group", func(t *testing.T) {
		result, err := e.Issuance.GenerateKeyAndOptionalCSR(ctx, GenerateRequest{
			Subject:   models.Subject{CommonName: "adhoc"},
			UsageType: models.UsageServerSigning,
			KeyPolicy: models.ECPolicy(""),
		})
		require.NoError(t, err)
		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Kid: result.Certificate.Kid, Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("expired keys still sign", func(t *testing.T) {
		e.clock.Set(cert.NotAfter.Add(days(1)))
		defer e.clock.Set(start)

		signed, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Kid: cert.Kid, Payload: payload})
		require.NoError(t, err)
		require.Equal(t, cert.Kid, signed.Kid)
	})

	t.Run("revoked key is refused", func(t *testing.T) {
		_, err := e.Registry.Revoke(ctx, cert.Kid, "retired")
		require.NoError(t, err)

		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Kid: cert.Kid, Payload: payload})
		require.ErrorIs(t, err, ErrKeyRevoked)
		require.ErrorIs(t, err, errdefs.ErrForbidden)

		// revoked keys are no longer current either
		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "api", Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}
