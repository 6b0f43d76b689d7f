package pki

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// PayloadEncoding is the transport encoding of a payload submitted for signing.
type PayloadEncoding string

const (
	EncodingBase64    PayloadEncoding = "base64"
	EncodingBase64URL PayloadEncoding = "base64url"
)

// DecodePayload decodes payload using encoding. Padding is optional for both
// and the empty string is a zero length payload.
func DecodePayload(payload string, encoding PayloadEncoding) ([]byte, error) {
	var padded, raw *base64.Encoding
	switch PayloadEncoding(strings.ToLower(string(encoding))) {
	case EncodingBase64, "":
		padded, raw = base64.StdEncoding, base64.RawStdEncoding
	case EncodingBase64URL:
		padded, raw = base64.URLEncoding, base64.RawURLEncoding
	default:
		return nil, errdefs.Invalid("payloadEncoding", errdefs.CodeInvalidPayloadEncoding,
			"payload encoding %q must be %s or %s", encoding, EncodingBase64, EncodingBase64URL)
	}

	if payload == "" {
		return []byte{}, nil
	}

	enc := raw
	if strings.HasSuffix(payload, "=") {
		enc = padded
	}
	data, err := enc.DecodeString(payload)
	if err != nil {
		return nil, errdefs.Invalid("payload", errdefs.CodeInvalidPayload, "payload is not valid %s: %v", encoding, err)
	}
	return data, nil
}

// PayloadSignature is the result of signing a payload.
type PayloadSignature struct {
	Signature     []byte
	Algorithm     string
	HashAlgorithm string
}

// SignPayload signs payload with key using the JWS algorithm published in the
// key's JWK. ECDSA signatures use the fixed width r||s encoding.
func SignPayload(key crypto.Signer, payload []byte) (*PayloadSignature, error) {
	alg, err := algorithmFor(key.Public())
	if err != nil {
		return nil, err
	}

	method := jwt.GetSigningMethod(alg.Name)
	if method == nil {
		return nil, fmt.Errorf("signing method %s is not registered", alg.Name)
	}

	sig, err := method.Sign(string(payload), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	return &PayloadSignature{
		Signature:     sig,
		Algorithm:     alg.Name,
		HashAlgorithm: alg.Hash,
	}, nil
}

// VerifyPayload checks sig over payload with pub using the named JWS algorithm.
func VerifyPayload(pub crypto.PublicKey, algName string, payload, sig []byte) error {
	alg, err := algorithmFor(pub)
	if err != nil {
		return err
	}
	if alg.Name != algName {
		return fmt.Errorf("algorithm %s does not match key algorithm %s", algName, alg.Name)
	}

	method := jwt.GetSigningMethod(alg.Name)
	if method == nil {
		return fmt.Errorf("signing method %s is not registered", alg.Name)
	}

	return method.Verify(string(payload), sig, pub)
}
