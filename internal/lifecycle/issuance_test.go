package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/store"
)

func TestIssueUnderGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("uses the group policy", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		cert, err := e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{})
		require.NoError(t, err)

		require.NotEmpty(t, cert.Kid)
		require.NotZero(t, cert.ID)
		require.Equal(t, "api", cert.GroupCode)
		require.Empty(t, cert.IssuerKid)
		require.Empty(t, cert.PrivateKeyPEM, "group keys stay with the engine")
		require.Equal(t, models.ECPolicy(models.CurveP256), cert.KeyPolicy)
		require.Equal(t, start, cert.NotBefore)
		require.Equal(t, start.AddDate(0, 0, 90), *cert.NotAfter)
		require.Equal(t, []models.KeyUsage{models.KeyUsageDigitalSignature}, cert.KeyUsage)
		require.Equal(t, []models.ExtKeyUsage{models.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)

		parsed := parseCert(t, cert)
		require.Equal(t, parsed.RawSubject, parsed.RawIssuer, "self issued")
		requireSignedBy(t, parsed, parsed)
		require.Equal(t, "api.example.com", parsed.Subject.CommonName)
		require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, parsed.ExtKeyUsage)

		groupCode, err := pki.ExtractGroupCode(parsed)
		require.NoError(t, err)
		require.Equal(t, "api", groupCode)

		// the sealed key signs for the certificate
		key, err := e.Signer.privateKey(ctx, cert.Kid)
		require.NoError(t, err)
		require.True(t, key.Public().(*ecdsa.PublicKey).Equal(parsed.PublicKey))
	})

	t.Run("overrides", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		cert, err := e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{
			ValidDays:   intPtr(7),
			Subject:     models.Subject{CommonName: "edge.example.com", OrganizationalUnit: "Edge"},
			KeyUsage:    []models.KeyUsage{models.KeyUsageDigitalSignature, models.KeyUsageContentCommitment},
			ExtKeyUsage: []models.ExtKeyUsage{models.ExtKeyUsageServerAuth, models.ExtKeyUsageClientAuth},
		})
		require.NoError(t, err)

		require.Equal(t, 7*24*time.Hour, cert.NotAfter.Sub(cert.NotBefore))
		require.Equal(t, "edge.example.com", cert.Subject.CommonName)
		require.Equal(t, "Edge", cert.Subject.OrganizationalUnit)
		require.Equal(t, "Example", cert.Subject.Organization, "template values are kept")

		parsed := parseCert(t, cert)
		require.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment, parsed.KeyUsage)
		require.Len(t, parsed.ExtKeyUsage, 2)
	})

	t.Run("unlimited validity", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		cert, err := e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{ValidDays: intPtr(0)})
		require.NoError(t, err)
		require.Nil(t, cert.NotAfter)
		require.Equal(t, pki.UnlimitedNotAfter, parseCert(t, cert).NotAfter.UTC())
	})

	t.Run("rsa group", func(t *testing.T) {
		e := newTestEngine(t)
		g := ecGroup("rsa")
		g.KeyPolicy = models.RSAPolicy(2048)
		g.UsageType = models.UsageEncryption
		_, err := e.Groups.Create(ctx, g)
		require.NoError(t, err)

		cert, err := e.Issuance.IssueUnderGroup(ctx, "rsa", IssueOptions{})
		require.NoError(t, err)
		require.Equal(t, models.RSAPolicy(2048), cert.KeyPolicy)
		require.Equal(t, []models.KeyUsage{models.KeyUsageKeyEncipherment, models.KeyUsageDataEncipherment}, cert.KeyUsage)
		require.Empty(t, cert.ExtKeyUsage)
	})

	t.Run("errors", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		_, err = e.Issuance.IssueUnderGroup(ctx, "missing", IssueOptions{})
		require.ErrorIs(t, err, errdefs.ErrNotFound)

		_, err = e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{ValidDays: intPtr(-1)})
		requireValidation(t, err, errdefs.CodeInvalidValidDays)

		_, err = e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{KeyUsage: []models.KeyUsage{"bogus"}})
		requireValidation(t, err, errdefs.CodeUnknownKeyUsage)

		_, err = e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{Subject: models.Subject{Country: "Australia"}})
		requireValidation(t, err, errdefs.CodeInvalidSubject)
	})

	t.Run("kids are unique", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		seen := map[string]bool{}
		for range 5 {
			cert, err := e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{})
			require.NoError(t, err)
			require.False(t, seen[cert.Kid])
			seen[cert.Kid] = true
		}
	})
}

func TestGenerateKeyAndOptionalCSR(t *testing.T) {
	ctx := context.Background()
	subject := models.Subject{Country: "AU", Organization: "Example", CommonName: "client-1"}

	t.Run("csr only", func(t *testing.T) {
		e := newTestEngine(t)

		result, err := e.Issuance.GenerateKeyAndOptionalCSR(ctx, GenerateRequest{
			Subject:   subject,
			UsageType: "CLIENT_SIGNING",
			KeyPolicy: models.ECPolicy(models.CurveP384),
			MakeCSR:   true,
		})
		require.NoError(t, err)
		require.Nil(t, result.Certificate)
		require.NotEmpty(t, result.PrivateKeyPEM)

		csr, err := pki.ParseCSR([]byte(result.CSRPEM))
		require.NoError(t, err)
		require.Equal(t, "client-1", csr.Subject.CommonName)

		key, err := pki.ParsePrivateKeyPEM([]byte(result.PrivateKeyPEM))
		require.NoError(t, err)
		require.True(t, key.Public().(*ecdsa.PublicKey).Equal(csr.PublicKey))

		certs, err := e.Registry.Search(ctx, SearchParams{})
		require.NoError(t, err)
		require.Empty(t, certs, "nothing is persisted for a CSR")
	})

	t.Run("self signed ad-hoc certificate", func(t *testing.T) {
		e := newTestEngine(t)

		result, err := e.Issuance.GenerateKeyAndOptionalCSR(ctx, GenerateRequest{
			Subject:   subject,
			UsageType: models.UsageClientSigning,
			KeyPolicy: models.ECPolicy(""),
			ValidDays: 10,
		})
		require.NoError(t, err)
		require.Empty(t, result.CSRPEM)
		require.NotNil(t, result.Certificate)
		require.Empty(t, result.Certificate.GroupCode)
		require.Equal(t, result.PrivateKeyPEM, result.Certificate.PrivateKeyPEM)
		require.Equal(t, []models.ExtKeyUsage{models.ExtKeyUsageClientAuth}, result.Certificate.ExtKeyUsage)

		stored, err := e.Registry.Get(ctx, result.Certificate.Kid)
		require.NoError(t, err)
		require.Empty(t, stored.PrivateKeyPEM, "private key is returned once")
		require.Equal(t, models.ECPolicy(models.CurveP256), stored.KeyPolicy)

		parsed := parseCert(t, stored)
		requireSignedBy(t, parsed, parsed)
		_, err = pki.ExtractGroupCode(parsed)
		require.ErrorIs(t, err, pki.ErrExtensionNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		e := newTestEngine(t)

		tests := []struct {
			name string
			req  GenerateRequest
			code string
		}{
			{
				name: "usage",
				req:  GenerateRequest{Subject: subject, UsageType: "signing", KeyPolicy: models.ECPolicy("")},
				code: errdefs.CodeUnknownUsageType,
			},
			{
				name: "key type",
				req:  GenerateRequest{Subject: subject, UsageType: models.UsageServerSigning, KeyPolicy: models.KeyPolicy{Type: "ED25519"}},
				code: errdefs.CodeUnsupportedKeyType,
			},
			{
				name: "empty subject",
				req:  GenerateRequest{UsageType: models.UsageServerSigning, KeyPolicy: models.ECPolicy("")},
				code: errdefs.CodeInvalidSubject,
			},
			{
				name: "ext key usage",
				req: GenerateRequest{
					Subject: subject, UsageType: models.UsageServerSigning, KeyPolicy: models.ECPolicy(""),
					ExtKeyUsage: []models.ExtKeyUsage{"serverauth"},
				},
				code: errdefs.CodeUnknownExtKeyUsage,
			},
			{
				name: "valid days",
				req:  GenerateRequest{Subject: subject, UsageType: models.UsageServerSigning, KeyPolicy: models.ECPolicy(""), ValidDays: -3},
				code: errdefs.CodeInvalidValidDays,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := e.Issuance.GenerateKeyAndOptionalCSR(ctx, tt.req)
				requireValidation(t, err, tt.code)
			})
		}
	})
}

func TestSignCSR(t *testing.T) {
	ctx := context.Background()

	newCSR := func(t *testing.T, e *testEngine) (string, *ecdsa.PublicKey) {
		t.Helper()
		result, err := e.Issuance.GenerateKeyAndOptionalCSR(ctx, GenerateRequest{
			Subject:   models.Subject{Country: "AU", CommonName: "device-7"},
			UsageType: models.UsageClientSigning,
			KeyPolicy: models.ECPolicy(models.CurveP256),
			MakeCSR:   true,
		})
		require.NoError(t, err)
		key, err := pki.ParsePrivateKeyPEM([]byte(result.PrivateKeyPEM))
		require.NoError(t, err)
		return result.CSRPEM, key.Public().(*ecdsa.PublicKey)
	}

	t.Run("signed by the group current key", func(t *testing.T) {
		e := newTestEngine(t)
		g := ecGroup("devices")
		g.UsageType = models.UsageClientSigning
		_, err := e.Groups.Create(ctx, g)
		require.NoError(t, err)
		groupCert, err := e.Issuance.IssueUnderGroup(ctx, "devices", IssueOptions{})
		require.NoError(t, err)

		csrPEM, pub := newCSR(t, e)
		cert, err := e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, ValidDays: 30, GroupCode: "devices"})
		require.NoError(t, err)

		require.Equal(t, groupCert.Kid, cert.IssuerKid)
		require.Empty(t, cert.GroupCode, "the caller holds the key, it is not a group signing key")
		require.Empty(t, cert.PrivateKeyPEM)
		require.Equal(t, models.UsageClientSigning, cert.UsageType)
		require.Equal(t, "device-7", cert.Subject.CommonName)

		parsed := parseCert(t, cert)
		require.True(t, pub.Equal(parsed.PublicKey), "certificate carries the CSR key")
		requireSignedBy(t, parsed, parseCert(t, groupCert))
		require.Equal(t, parseCert(t, groupCert).RawSubject, parsed.RawIssuer)

		// the group's current signing key is unchanged
		current, err := e.store.Current(ctx, "devices")
		require.NoError(t, err)
		require.Equal(t, groupCert.Kid, current.Kid)

		_, err = e.store.GetPrivateKey(ctx, cert.Kid)
		require.ErrorIs(t, err, store.ErrPrivateKeyNotFound)
	})

	t.Run("usage must match the group", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)
		_, err = e.Issuance.IssueUnderGroup(ctx, "api", IssueOptions{})
		require.NoError(t, err)

		csrPEM, _ := newCSR(t, e)
		_, err = e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, UsageType: models.UsageEncryption, GroupCode: "api"})
		requireValidation(t, err, errdefs.CodeGroupMismatch)
	})

	t.Run("group without a key", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Groups.Create(ctx, ecGroup("api"))
		require.NoError(t, err)

		csrPEM, _ := newCSR(t, e)
		_, err = e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, GroupCode: "api"})
		requireValidation(t, err, errdefs.CodeNoIssuer)

		_, err = e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, GroupCode: "missing"})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("ad-hoc issuer", func(t *testing.T) {
		issuerKey, err := pki.GenerateKey(models.ECPolicy(models.CurveP256))
		require.NoError(t, err)
		issued, err := pki.SignCertificate(ctx, pki.IssueRequest{
			Subject:   models.Subject{CommonName: "ad-hoc issuer"},
			PublicKey: issuerKey.Public(),
			UsageType: models.UsageServerSigning,
			ValidDays: 365,
			Now:       start,
		}, pki.NewSelfIssuer(issuerKey))
		require.NoError(t, err)
		adHoc, err := pki.NewCertificateIssuer(issued.X509, issuerKey)
		require.NoError(t, err)

		e := newTestEngine(t, func(cfg *Config) { cfg.AdHocIssuer = adHoc })

		csrPEM, pub := newCSR(t, e)
		cert, err := e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, UsageType: "client_signing", ValidDays: 0})
		require.NoError(t, err)
		require.Nil(t, cert.NotAfter)
		require.Empty(t, cert.IssuerKid)

		parsed := parseCert(t, cert)
		require.True(t, pub.Equal(parsed.PublicKey))
		requireSignedBy(t, parsed, issued.X509)

		_, err = e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM})
		requireValidation(t, err, errdefs.CodeUnknownUsageType)
	})

	t.Run("no ad-hoc issuer", func(t *testing.T) {
		e := newTestEngine(t)
		csrPEM, _ := newCSR(t, e)
		_, err := e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: csrPEM, UsageType: models.UsageClientSigning})
		requireValidation(t, err, errdefs.CodeNoIssuer)
	})

	t.Run("malformed csr", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Issuance.SignCSR(ctx, SignCSRRequest{CSRPEM: "not a csr", UsageType: models.UsageClientSigning})
		requireValidation(t, err, errdefs.CodeInvalidCSR)
	})
}
