package client

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/auth"
	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/server"
	"github.com/wolfeidau/keyforge/internal/store/memory"
)

func newTestClient(t *testing.T) (*Client, *atomic.Int32) {
	t.Helper()

	engine, err := lifecycle.New(lifecycle.Config{Store: memory.NewStore()})
	require.NoError(t, err)

	handler := server.New(engine, server.Options{Authenticate: auth.AllowAll()}).Handler(zerolog.Nop())

	var jwksHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/jwks/") {
			jwksHits.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{ServerURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, &jwksHits
}

func paymentsGroup() *models.Group {
	return &models.Group{
		Code:                  "payments",
		UsageType:             models.UsageServerSigning,
		KeyPolicy:             models.ECPolicy(models.CurveP256),
		Subject:               models.Subject{CommonName: "payments.example.com"},
		AutoRotate:            true,
		RotationThresholdDays: 14,
		ValidDays:             90,
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{ServerURL: "ftp://example.com"})
	require.Error(t, err)

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, "https://localhost:8443/api/v1/groups", c.url("/api/v1/groups"))
}

func TestGroupsAndKeys(t *testing.T) {
	ctx := context.Background()
	c, jwksHits := newTestClient(t)

	created, err := c.CreateGroup(ctx, paymentsGroup())
	require.NoError(t, err)
	require.Equal(t, "payments", created.Code)
	require.Equal(t, 90, created.ValidDays)

	t.Run("duplicate create is already exists", func(t *testing.T) {
		_, err := c.CreateGroup(ctx, paymentsGroup())
		require.ErrorIs(t, err, errdefs.ErrAlreadyExists)
		require.ErrorIs(t, err, errdefs.ErrConflict)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusConflict, apiErr.StatusCode)
		require.Equal(t, "already_exists", apiErr.Code)
	})

	t.Run("apply updates an existing group", func(t *testing.T) {
		g := paymentsGroup()
		g.DisplayName = "Payments API"
		applied, createdNow, err := c.ApplyGroup(ctx, g)
		require.NoError(t, err)
		require.False(t, createdNow)
		require.Equal(t, "Payments API", applied.DisplayName)

		groups, err := c.ListGroups(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
	})

	t.Run("unknown group", func(t *testing.T) {
		_, err := c.GetGroup(ctx, "missing")
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	status, err := c.RotationStatus(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateNoActiveKey, status.State)

	rotated, err := c.Rotate(ctx, "payments")
	require.NoError(t, err)
	require.True(t, rotated.Rotated)
	kid := rotated.Certificate.Kid

	t.Run("sign with the current key", func(t *testing.T) {
		payload := []byte("hello")
		result, err := c.Sign(ctx, "payments", "", payload)
		require.NoError(t, err)
		require.Equal(t, kid, result.Kid)

		jwks, err := c.SigningKey(ctx, "payments")
		require.NoError(t, err)
		require.Len(t, jwks.Keys, 1)

		pub, err := jwks.Keys[0].PublicKey()
		require.NoError(t, err)
		sig, err := base64.StdEncoding.DecodeString(result.Signature)
		require.NoError(t, err)
		require.NoError(t, pki.VerifyPayload(pub, result.Algorithm, payload, sig))
	})

	t.Run("jwks is cached", func(t *testing.T) {
		for range 3 {
			jwks, err := c.JWKS(ctx, "payments")
			require.NoError(t, err)
			require.Len(t, jwks.Keys, 1)
			require.Equal(t, kid, jwks.Keys[0].Kid)
		}
		require.Equal(t, int32(1), jwksHits.Load())
	})

	t.Run("search and revoke", func(t *testing.T) {
		certs, err := c.Search(ctx, lifecycle.SearchParams{GroupCode: "payments"})
		require.NoError(t, err)
		require.Len(t, certs, 1)

		revoked, err := c.Revoke(ctx, kid, "superseded")
		require.NoError(t, err)
		require.NotNil(t, revoked.RevokedAt)

		_, err = c.Revoke(ctx, kid, "again")
		require.ErrorIs(t, err, errdefs.ErrAlreadyRevoked)

		got, err := c.GetCertificate(ctx, kid)
		require.NoError(t, err)
		require.True(t, got.IsRevoked())

		certs, err = c.Search(ctx, lifecycle.SearchParams{GroupCode: "payments", Revoked: "false"})
		require.NoError(t, err)
		require.Empty(t, certs)
	})

	t.Run("invalid search", func(t *testing.T) {
		_, err := c.Search(ctx, lifecycle.SearchParams{UsageType: "mining"})
		require.ErrorIs(t, err, errdefs.ErrValidation)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, errdefs.CodeUnknownUsageType, apiErr.Code)
		require.Equal(t, "usageType", apiErr.Field)
	})
}

func TestGenerateAndSignCSR(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	_, err := c.CreateGroup(ctx, &models.Group{
		Code:                  "clients",
		UsageType:             models.UsageClientSigning,
		KeyPolicy:             models.ECPolicy(models.CurveP384),
		Subject:               models.Subject{CommonName: "clients-ca"},
		RotationThresholdDays: 7,
	})
	require.NoError(t, err)

	issuer, err := c.Issue(ctx, "clients", nil)
	require.NoError(t, err)

	generated, err := c.GenerateKey(ctx, server.GenerateKeyRequest{
		Subject:   map[string]string{"CN": "device-1"},
		UsageType: string(models.UsageClientSigning),
		KeyPolicy: server.KeyPolicyRequest{KeyType: string(models.KeyTypeEC)},
		MakeCSR:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, generated.PrivateKeyPEM)
	require.NotEmpty(t, generated.CSRPEM)

	cert, err := c.SignCSR(ctx, server.SignCSRRequest{CSRPEM: generated.CSRPEM, GroupCode: "clients"})
	require.NoError(t, err)
	require.Equal(t, issuer.Kid, cert.IssuerKid)
	require.Empty(t, cert.GroupCode)
	require.Empty(t, cert.PrivateKeyPEM)

	signed, err := c.Search(ctx, lifecycle.SearchParams{IssuerKid: issuer.Kid})
	require.NoError(t, err)
	require.Len(t, signed, 1)
	require.Equal(t, cert.Kid, signed[0].Kid)

	_, err = c.SignCSR(ctx, server.SignCSRRequest{CSRPEM: generated.CSRPEM, GroupCode: "missing"})
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	require.ErrorIs(t, c.DeleteGroup(ctx, "clients"), errdefs.ErrConflict)
}
