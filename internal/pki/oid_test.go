package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func createCertWithExtension(t *testing.T, ext pkix.Extension) *x509.Certificate {
	t.Helper()
	return &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		Extensions:   []pkix.Extension{ext},
	}
}

func TestExtractGroupCode(t *testing.T) {
	t.Run("extract valid group code", func(t *testing.T) {
		ext, err := stringExtension(OIDGroupCode, "payments-api")
		require.NoError(t, err)

		code, err := ExtractGroupCode(createCertWithExtension(t, ext))
		require.NoError(t, err)
		require.Equal(t, "payments-api", code)
	})

	t.Run("missing extension returns error", func(t *testing.T) {
		cert := &x509.Certificate{Subject: pkix.Name{CommonName: "test"}}

		_, err := ExtractGroupCode(cert)
		require.ErrorIs(t, err, ErrExtensionNotFound)
	})

	t.Run("invalid value returns error", func(t *testing.T) {
		cert := createCertWithExtension(t, pkix.Extension{Id: OIDGroupCode, Value: []byte{0xff}})

		_, err := ExtractGroupCode(cert)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrExtensionNotFound)
	})
}

func TestExtractUsageType(t *testing.T) {
	t.Run("extract usage type", func(t *testing.T) {
		ext, err := stringExtension(OIDUsageType, "client_signing")
		require.NoError(t, err)

		usage, err := ExtractUsageType(createCertWithExtension(t, ext))
		require.NoError(t, err)
		require.Equal(t, "client_signing", usage)
	})

	t.Run("group code extension is not a usage type", func(t *testing.T) {
		ext, err := stringExtension(OIDGroupCode, "g1")
		require.NoError(t, err)

		_, err = ExtractUsageType(createCertWithExtension(t, ext))
		require.ErrorIs(t, err, ErrExtensionNotFound)
	})
}

func TestOIDArc(t *testing.T) {
	require.Len(t, OIDGroupCode, len(OIDKeyforgeArc)+1)
	require.Equal(t, OIDKeyforgeArc, OIDGroupCode[:len(OIDKeyforgeArc)])
	require.Equal(t, OIDKeyforgeArc, OIDUsageType[:len(OIDKeyforgeArc)])
}
