package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

// PEM block types
const (
	pemTypePrivateKey    = "PRIVATE KEY"
	pemTypeECPrivateKey  = "EC PRIVATE KEY"
	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
	pemTypePublicKey     = "PUBLIC KEY"
	pemTypeCertificate   = "CERTIFICATE"
	pemTypeCSR           = "CERTIFICATE REQUEST"
)

var curves = map[models.Curve]elliptic.Curve{
	models.CurveP256: elliptic.P256(),
	models.CurveP384: elliptic.P384(),
}

// GenerateKey generates a key pair for the policy. The caller owns the
// private key and is responsible for serialising it.
func GenerateKey(policy models.KeyPolicy) (crypto.Signer, error) {
	policy = policy.Normalize()
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	switch policy.Type {
	case models.KeyTypeRSA:
		key, err := rsa.GenerateKey(rand.Reader, policy.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return key, nil
	case models.KeyTypeEC:
		key, err := ecdsa.GenerateKey(curves[policy.Curve], rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate EC key: %w", err)
		}
		return key, nil
	}

	return nil, errdefs.Invalid("keyPolicy.keyType", errdefs.CodeUnsupportedKeyType,
		"key type %q is not supported", policy.Type)
}

// PolicyForPublicKey derives the key policy describing an existing public key,
// rejecting keys outside the supported sizes and curves.
func PolicyForPublicKey(pub crypto.PublicKey) (models.KeyPolicy, error) {
	var policy models.KeyPolicy
	switch k := pub.(type) {
	case *rsa.PublicKey:
		policy = models.RSAPolicy(k.N.BitLen())
	case *ecdsa.PublicKey:
		policy = models.ECPolicy(models.Curve(k.Curve.Params().Name))
	default:
		return models.KeyPolicy{}, errdefs.Invalid("keyPolicy.keyType", errdefs.CodeUnsupportedKeyType,
			"public key type %T is not supported", pub)
	}
	if err := policy.Validate(); err != nil {
		return models.KeyPolicy{}, err
	}
	return policy, nil
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM accepts PKCS#8, SEC 1 EC and PKCS#1 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errdefs.Invalid("privateKey", errdefs.CodeInvalidPEM, "failed to decode private key PEM")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case pemTypeECPrivateKey:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case pemTypeRSAPrivateKey:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, errdefs.Invalid("privateKey", errdefs.CodeInvalidPEM, "failed to parse private key: %v", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errdefs.Invalid("privateKey", errdefs.CodeUnsupportedKeyType, "private key type %T is not supported", key)
	}
	return signer, nil
}

// ParsePublicKeyPEM parses a PKIX public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, errdefs.Invalid("publicKey", errdefs.CodeInvalidPEM, "failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errdefs.Invalid("publicKey", errdefs.CodeInvalidPEM, "failed to parse public key: %v", err)
	}
	return pub, nil
}

// ParseCertificatePEM parses the first certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, errdefs.Invalid("certificate", errdefs.CodeInvalidPEM, "failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errdefs.Invalid("certificate", errdefs.CodeInvalidPEM, "failed to parse certificate: %v", err)
	}
	return cert, nil
}

func encodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})
}

// verifyKeyPair checks that pub matches the public half of key.
func verifyKeyPair(pub crypto.PublicKey, key crypto.Signer) error {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	k, ok := key.Public().(equaler)
	if !ok {
		return fmt.Errorf("unsupported key type %T", key)
	}
	if !k.Equal(pub) {
		return fmt.Errorf("public keys do not match")
	}
	return nil
}
