package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"gopkg.in/square/go-jose.v2"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

// JWS algorithm names published in JWKs and reported by payload signing.
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
)

// algorithm describes how a key type signs payloads.
type algorithm struct {
	Name string
	Hash string
}

// algorithms maps a key policy to its JWS algorithm. External JWT consumers
// rely on this mapping so entries must never change.
var algorithms = map[string]algorithm{
	"RSA":      {Name: AlgRS256, Hash: "SHA-256"},
	"EC-P-256": {Name: AlgES256, Hash: "SHA-256"},
	"EC-P-384": {Name: AlgES384, Hash: "SHA-384"},
}

func algorithmFor(pub crypto.PublicKey) (algorithm, error) {
	var key string
	switch k := pub.(type) {
	case *rsa.PublicKey:
		key = "RSA"
	case *ecdsa.PublicKey:
		key = "EC-" + k.Curve.Params().Name
	default:
		return algorithm{}, errdefs.Invalid("publicKey", errdefs.CodeUnsupportedKeyType, "public key type %T is not supported", pub)
	}
	alg, ok := algorithms[key]
	if !ok {
		return algorithm{}, errdefs.Invalid("publicKey", errdefs.CodeUnsupportedCurve, "no signing algorithm for %s", key)
	}
	return alg, nil
}

// AlgorithmFor returns the JWS algorithm name for pub.
func AlgorithmFor(pub crypto.PublicKey) (string, error) {
	alg, err := algorithmFor(pub)
	return alg.Name, err
}

// JWK is the public, verification-facing JSON Web Key for a certificate.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyUse returns the JWK "use" value for a usage type.
func KeyUse(usage models.UsageType) string {
	if usage == models.UsageEncryption {
		return "enc"
	}
	return "sig"
}

// ToJWK converts an RSA or EC public key to a JWK. The output is
// deterministic: EC coordinates are left-padded to the curve size.
func ToJWK(pub crypto.PublicKey, kid string, usage models.UsageType) (JWK, error) {
	alg, err := algorithmFor(pub)
	if err != nil {
		return JWK{}, err
	}

	jwk := JWK{
		Kid: kid,
		Use: KeyUse(usage),
		Alg: alg.Name,
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(k.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes())
	case *ecdsa.PublicKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		jwk.Kty = "EC"
		jwk.Crv = k.Curve.Params().Name
		jwk.X = base64.RawURLEncoding.EncodeToString(k.X.FillBytes(make([]byte, size)))
		jwk.Y = base64.RawURLEncoding.EncodeToString(k.Y.FillBytes(make([]byte, size)))
	}

	return jwk, nil
}

// ToJWKFromPEM converts a PEM encoded certificate's public key to a JWK.
func ToJWKFromPEM(certPEM, kid string, usage models.UsageType) (JWK, error) {
	cert, err := ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return JWK{}, err
	}
	return ToJWK(cert.PublicKey, kid, usage)
}

// PublicKey re-derives the public key from the JWK.
func (j JWK) PublicKey() (crypto.PublicKey, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jwk: %w", err)
	}

	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(data); err != nil {
		return nil, errdefs.Invalid("jwk", errdefs.CodeInvalidPEM, "failed to parse jwk: %v", err)
	}
	if !key.IsPublic() {
		return nil, errdefs.Invalid("jwk", errdefs.CodeInvalidPEM, "jwk is not a public key")
	}

	return key.Key, nil
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint.
func (j JWK) Thumbprint() (string, error) {
	pub, err := j.PublicKey()
	if err != nil {
		return "", err
	}
	tp, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
