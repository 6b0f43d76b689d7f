package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

func validGroup() *Group {
	return &Group{
		Code:                  "payments-api",
		UsageType:             UsageServerSigning,
		KeyPolicy:             RSAPolicy(2048),
		Subject:               Subject{Country: "AU", Organization: "Example", CommonName: "payments"},
		AutoRotate:            true,
		RotationThresholdDays: 30,
		ValidDays:             DefaultValidDays,
	}
}

func requireValidationCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, errdefs.ErrValidation), "expected validation error, got %v", err)
	ve, ok := errdefs.AsValidation(err)
	require.True(t, ok)
	require.Equal(t, code, ve.Code)
}

func TestGroupValidate(t *testing.T) {
	t.Run("valid group", func(t *testing.T) {
		require.NoError(t, validGroup().Validate())
	})

	t.Run("group code pattern", func(t *testing.T) {
		for _, code := range []string{"", "Upper", "has space", "dot.ted", "slash/code"} {
			g := validGroup()
			g.Code = code
			requireValidationCode(t, g.Validate(), errdefs.CodeInvalidGroupCode)
		}
		for _, code := range []string{"g1", "a-b_c", "0"} {
			g := validGroup()
			g.Code = code
			require.NoError(t, g.Validate())
		}
	})

	t.Run("unknown usage type", func(t *testing.T) {
		g := validGroup()
		g.UsageType = "magic"
		requireValidationCode(t, g.Validate(), errdefs.CodeUnknownUsageType)
	})

	t.Run("rotation threshold must be positive", func(t *testing.T) {
		for _, days := range []int{0, -1} {
			g := validGroup()
			g.RotationThresholdDays = days
			requireValidationCode(t, g.Validate(), errdefs.CodeInvalidRotationThreshold)
		}
	})

	t.Run("negative valid days", func(t *testing.T) {
		g := validGroup()
		g.ValidDays = -5
		requireValidationCode(t, g.Validate(), errdefs.CodeInvalidValidDays)
	})

	t.Run("unsupported key size", func(t *testing.T) {
		g := validGroup()
		g.KeyPolicy = RSAPolicy(1024)
		err := g.Validate()
		requireValidationCode(t, err, errdefs.CodeUnsupportedKeySize)
		ve, _ := errdefs.AsValidation(err)
		require.Equal(t, "keyPolicy.keySize", ve.Field)
	})

	t.Run("unknown key usage", func(t *testing.T) {
		g := validGroup()
		g.KeyUsage = []KeyUsage{"signEverything"}
		requireValidationCode(t, g.Validate(), errdefs.CodeUnknownKeyUsage)
	})

	t.Run("bad country", func(t *testing.T) {
		g := validGroup()
		g.Subject.Country = "AUS"
		requireValidationCode(t, g.Validate(), errdefs.CodeInvalidSubject)
	})
}

func TestGroupUsages(t *testing.T) {
	g := validGroup()
	ku, eku := g.Usages()
	require.Equal(t, []KeyUsage{KeyUsageDigitalSignature}, ku)
	require.Equal(t, []ExtKeyUsage{ExtKeyUsageServerAuth}, eku)

	g.UsageType = UsageEncryption
	g.KeyPolicy = ECPolicy(CurveP256)
	ku, eku = g.Usages()
	require.Equal(t, []KeyUsage{KeyUsageKeyAgreement}, ku)
	require.Empty(t, eku)

	g.KeyUsage = []KeyUsage{KeyUsageKeyAgreement, KeyUsageDigitalSignature}
	ku, _ = g.Usages()
	require.Len(t, ku, 2)
}

func TestKeyPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy KeyPolicy
		code   string
	}{
		{name: "rsa 2048", policy: RSAPolicy(2048)},
		{name: "rsa 3072", policy: RSAPolicy(3072)},
		{name: "rsa 4096", policy: RSAPolicy(4096)},
		{name: "rsa 1024", policy: RSAPolicy(1024), code: errdefs.CodeUnsupportedKeySize},
		{name: "ec default curve", policy: KeyPolicy{Type: KeyTypeEC}},
		{name: "ec p-384", policy: ECPolicy(CurveP384)},
		{name: "ec p-521", policy: ECPolicy("P-521"), code: errdefs.CodeUnsupportedCurve},
		{name: "lower case type", policy: KeyPolicy{Type: "ec"}},
		{name: "dsa", policy: KeyPolicy{Type: "DSA"}, code: errdefs.CodeUnsupportedKeyType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			requireValidationCode(t, err, tt.code)
		})
	}

	t.Run("normalize applies default curve", func(t *testing.T) {
		p := KeyPolicy{Type: "ec", Size: 2048}.Normalize()
		require.Equal(t, KeyTypeEC, p.Type)
		require.Equal(t, CurveP256, p.Curve)
		require.Zero(t, p.Size)
		require.Equal(t, "EC-P-256", p.String())
	})
}

func TestParseUsageType(t *testing.T) {
	u, err := ParseUsageType("usageType", "SERVER_SIGNING")
	require.NoError(t, err)
	require.Equal(t, UsageServerSigning, u)
	require.True(t, u.IsSigning())

	u, err = ParseUsageType("usageType", "encryption")
	require.NoError(t, err)
	require.False(t, u.IsSigning())

	_, err = ParseUsageType("usageType", "bogus")
	requireValidationCode(t, err, errdefs.CodeUnknownUsageType)
}

func TestParseKeyUsages(t *testing.T) {
	ku, err := ParseKeyUsages("keyUsage", []string{"digitalSignature", "key_encipherment", "nonRepudiation", "DigitalSignature"})
	require.NoError(t, err)
	require.Equal(t, []KeyUsage{KeyUsageDigitalSignature, KeyUsageKeyEncipherment, KeyUsageContentCommitment}, ku)

	_, err = ParseKeyUsages("keyUsage", []string{"serverAuth"})
	requireValidationCode(t, err, errdefs.CodeUnknownKeyUsage)

	eku, err := ParseExtKeyUsages("extendedKeyUsage", []string{"server-auth", "clientAuth"})
	require.NoError(t, err)
	require.Equal(t, []ExtKeyUsage{ExtKeyUsageServerAuth, ExtKeyUsageClientAuth}, eku)

	_, err = ParseExtKeyUsages("extendedKeyUsage", []string{"digitalSignature"})
	requireValidationCode(t, err, errdefs.CodeUnknownExtKeyUsage)
}

func TestSubject(t *testing.T) {
	t.Run("from map rejects unknown attributes", func(t *testing.T) {
		_, err := SubjectFromMap(map[string]string{"CN": "x", "SN": "y"})
		requireValidationCode(t, err, errdefs.CodeInvalidSubject)
	})

	t.Run("merge and string order", func(t *testing.T) {
		tmpl := Subject{Country: "AU", Organization: "Example", CommonName: "default"}
		s := tmpl.Merge(Subject{CommonName: "api", EmailAddress: "ops@example.com"})
		require.Equal(t, "C=AU, O=Example, CN=api, emailAddress=ops@example.com", s.String())
		require.Equal(t, "default", tmpl.CommonName)
	})

	t.Run("normalize", func(t *testing.T) {
		s := Subject{Country: " au ", CommonName: " api "}.Normalize()
		require.Equal(t, "AU", s.Country)
		require.Equal(t, "api", s.CommonName)
	})

	t.Run("validate", func(t *testing.T) {
		require.NoError(t, Subject{CommonName: "Zürich service"}.Validate("subject"))
		requireValidationCode(t, Subject{CommonName: "bad\x00"}.Validate("subject"), errdefs.CodeInvalidSubject)
		requireValidationCode(t, Subject{EmailAddress: "nobody"}.Validate("subject"), errdefs.CodeInvalidSubject)
		requireValidationCode(t, Subject{Country: "A1"}.Validate("subject"), errdefs.CodeInvalidSubject)
	})
}

func TestSelectCurrent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	revokedAt := base.Add(time.Hour)

	t.Run("empty", func(t *testing.T) {
		require.Nil(t, SelectCurrent(nil))
	})

	t.Run("greatest not before wins", func(t *testing.T) {
		certs := []*Certificate{
			{ID: 3, Kid: "a", NotBefore: base},
			{ID: 1, Kid: "b", NotBefore: base.Add(48 * time.Hour)},
			{ID: 2, Kid: "c", NotBefore: base.Add(24 * time.Hour)},
		}
		require.Equal(t, "b", SelectCurrent(certs).Kid)
	})

	t.Run("ties broken by insertion order", func(t *testing.T) {
		certs := []*Certificate{
			{ID: 5, Kid: "later", NotBefore: base},
			{ID: 4, Kid: "earlier", NotBefore: base},
		}
		require.Equal(t, "later", SelectCurrent(certs).Kid)
	})

	t.Run("revoked certificates are skipped", func(t *testing.T) {
		certs := []*Certificate{
			{ID: 1, Kid: "old", NotBefore: base},
			{ID: 2, Kid: "new", NotBefore: base.Add(time.Hour), RevokedAt: &revokedAt},
		}
		require.Equal(t, "old", SelectCurrent(certs).Kid)

		certs[0].RevokedAt = &revokedAt
		require.Nil(t, SelectCurrent(certs))
	})
}

func TestCertificateState(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	c := &Certificate{NotBefore: now.Add(-time.Hour)}
	require.True(t, c.IsActive(now), "unlimited validity never expires")

	c.NotAfter = &now
	require.True(t, c.IsExpired(now))

	future := now.Add(time.Hour)
	c.NotAfter = &future
	require.True(t, c.IsActive(now))

	c.RevokedAt = &past
	require.False(t, c.IsActive(now))

	clone := c.Clone()
	*clone.RevokedAt = now
	require.Equal(t, past, *c.RevokedAt)
}
