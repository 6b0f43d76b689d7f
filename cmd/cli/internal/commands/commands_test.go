package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

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

const groupsYAML = `groups:
  - groupCode: payments
    usageType: server_signing
    keyPolicy: {keyType: EC, keyCurve: P-256}
    subjectTemplate: {O: Example, CN: payments.example.com}
    autoRotate: true
    rotationThresholdDays: 30
    validDays: 90
  - groupCode: clients
    usageType: client_signing
    keyPolicy: {keyType: EC}
    subjectTemplate: {CN: clients-ca}
    rotationThresholdDays: 7
`

func newGlobals(t *testing.T) (*Globals, *bytes.Buffer) {
	t.Helper()

	engine, err := lifecycle.New(lifecycle.Config{Store: memory.NewStore()})
	require.NoError(t, err)

	srv := httptest.NewServer(server.New(engine, server.Options{Authenticate: auth.AllowAll()}).Handler(zerolog.Nop()))
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	return &Globals{Server: srv.URL, Out: out}, out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGroupCommands(t *testing.T) {
	ctx := context.Background()
	globals, out := newGlobals(t)

	path := writeFile(t, "groups.yaml", groupsYAML)
	require.NoError(t, (&GroupsApplyCmd{File: path}).Run(ctx, globals))
	require.Contains(t, out.String(), "Applied 2 group(s)")

	t.Run("apply is idempotent", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&GroupsApplyCmd{File: path}).Run(ctx, globals))
		require.Contains(t, out.String(), "Applied 2 group(s)")
	})

	t.Run("list", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&GroupsListCmd{}).Run(ctx, globals))
		require.Contains(t, out.String(), "CODE")
		require.Contains(t, out.String(), "payments")
		require.Contains(t, out.String(), "EC P-256")
	})

	t.Run("get as json", func(t *testing.T) {
		out.Reset()
		jsonGlobals := *globals
		jsonGlobals.JSON = true
		require.NoError(t, (&GroupsGetCmd{Code: "payments"}).Run(ctx, &jsonGlobals))

		var group models.Group
		require.NoError(t, json.Unmarshal(out.Bytes(), &group))
		require.Equal(t, 90, group.ValidDays)
		require.Equal(t, "Example", group.Subject.Organization)
	})

	t.Run("get missing", func(t *testing.T) {
		err := (&GroupsGetCmd{Code: "missing"}).Run(ctx, globals)
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("invalid file", func(t *testing.T) {
		bad := writeFile(t, "bad.yaml", "groups:\n  - groupCode: BAD CODE\n")
		require.Error(t, (&GroupsApplyCmd{File: bad}).Run(ctx, globals))
	})

	t.Run("delete", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&GroupsDeleteCmd{Code: "clients"}).Run(ctx, globals))
		require.Contains(t, out.String(), "Deleted group clients")
	})
}

func TestKeyCommands(t *testing.T) {
	ctx := context.Background()
	globals, out := newGlobals(t)

	require.NoError(t, (&GroupsApplyCmd{File: writeFile(t, "groups.yaml", groupsYAML)}).Run(ctx, globals))

	out.Reset()
	require.NoError(t, (&RotationCmd{Group: "payments"}).Run(ctx, globals))
	require.Contains(t, out.String(), string(lifecycle.StateNoActiveKey))

	jsonGlobals := *globals
	jsonGlobals.JSON = true

	out.Reset()
	require.NoError(t, (&RotateCmd{Group: "payments"}).Run(ctx, &jsonGlobals))
	var rotated lifecycle.RotationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &rotated))
	require.True(t, rotated.Rotated)
	kid := rotated.Certificate.Kid

	t.Run("sign and verify against the jwks", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&SignCmd{Group: "payments", Data: "hello"}).Run(ctx, &jsonGlobals))
		var result lifecycle.SignResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		require.Equal(t, kid, result.Kid)

		out.Reset()
		require.NoError(t, (&JWKSCmd{Group: "payments"}).Run(ctx, globals))
		var jwks pki.JWKS
		require.NoError(t, json.Unmarshal(out.Bytes(), &jwks))
		require.Len(t, jwks.Keys, 1)
		require.Equal(t, kid, jwks.Keys[0].Kid)

		require.Error(t, (&SignCmd{Group: "payments"}).Run(ctx, globals))
	})

	t.Run("show and search", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&ShowCmd{Kid: kid, PEM: true}).Run(ctx, globals))
		require.Contains(t, out.String(), "BEGIN CERTIFICATE")

		out.Reset()
		require.NoError(t, (&SearchCmd{Group: "payments", Revoked: "any", Limit: 50}).Run(ctx, globals))
		require.Contains(t, out.String(), kid)
		require.Contains(t, out.String(), "active")
	})

	t.Run("issue with explicit validity", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&IssueCmd{Group: "clients", ValidDays: 0}).Run(ctx, &jsonGlobals))
		var cert models.Certificate
		require.NoError(t, json.Unmarshal(out.Bytes(), &cert))
		require.Nil(t, cert.NotAfter)
	})

	t.Run("keygen and sign csr", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "device.key")

		out.Reset()
		require.NoError(t, (&KeygenCmd{
			Subject:   map[string]string{"CN": "device-1"},
			Usage:     string(models.UsageClientSigning),
			KeyType:   string(models.KeyTypeEC),
			CSR:       true,
			ValidDays: -1,
			OutKey:    keyPath,
		}).Run(ctx, &jsonGlobals))

		var generated lifecycle.GenerateResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &generated))
		require.Empty(t, generated.PrivateKeyPEM)
		require.NotEmpty(t, generated.CSRPEM)

		keyPEM, err := os.ReadFile(keyPath)
		require.NoError(t, err)
		require.Contains(t, string(keyPEM), "PRIVATE KEY")

		out.Reset()
		csrPath := writeFile(t, "device.csr", generated.CSRPEM)
		require.NoError(t, (&SignCSRCmd{CSR: csrPath, Group: "clients", ValidDays: 30}).Run(ctx, globals))
		require.Contains(t, out.String(), "CN=device-1")
		require.Contains(t, out.String(), "Issuer kid:")
	})

	t.Run("revoke", func(t *testing.T) {
		out.Reset()
		require.NoError(t, (&RevokeCmd{Kid: kid, Reason: "compromised"}).Run(ctx, globals))
		require.Contains(t, out.String(), "revoked")
		require.Contains(t, out.String(), "compromised")

		err := (&RevokeCmd{Kid: kid}).Run(ctx, globals)
		require.ErrorIs(t, err, errdefs.ErrAlreadyRevoked)
	})
}
