// Package sealer encrypts private key material before it reaches the store.
//
// Sealed values are a base64 encoded JSON envelope. The AES sealer encrypts
// with a local 256 bit key, the KMS sealer generates a fresh data key per seal
// and stores only the encrypted data key next to the ciphertext.
package sealer

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Algorithm names written into the envelope
const (
	AlgorithmPlain     = "plain"
	AlgorithmAESGCM    = "aesgcm"
	AlgorithmKMSAESGCM = "kms+aesgcm"
)

// ErrSealed is returned when a sealed value cannot be opened by this sealer.
var ErrSealed = errors.New("sealed value cannot be opened")

// Sealer encrypts and decrypts private key PEM bytes.
type Sealer interface {
	Seal(ctx context.Context, plain []byte) ([]byte, error)
	Open(ctx context.Context, sealed []byte) ([]byte, error)
}

type envelope struct {
	Algorithm  string `json:"a"`
	Ciphertext []byte `json:"d"`
	Nonce      []byte `json:"n,omitempty"`
	Key        []byte `json:"k,omitempty"` // encrypted data key
	RootKeyID  string `json:"i,omitempty"`
}

func encode(env *envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	encoded := make([]byte, base64.RawStdEncoding.EncodedLen(len(data)))
	base64.RawStdEncoding.Encode(encoded, data)
	return encoded, nil
}

func decode(sealed []byte, algorithm string) (*envelope, error) {
	data := make([]byte, base64.RawStdEncoding.DecodedLen(len(sealed)))
	n, err := base64.RawStdEncoding.Decode(data, sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	env := &envelope{}
	if err := json.Unmarshal(data[:n], env); err != nil {
		return nil, fmt.Errorf("unmarshalling envelope: %w", err)
	}
	if env.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: algorithm %q, expected %q", ErrSealed, env.Algorithm, algorithm)
	}
	return env, nil
}

// Plain stores values unencrypted inside the envelope. Development only.
type Plain struct{}

// NewPlain returns a sealer that does not encrypt.
func NewPlain() *Plain {
	return &Plain{}
}

func (Plain) Seal(_ context.Context, plain []byte) ([]byte, error) {
	return encode(&envelope{Algorithm: AlgorithmPlain, Ciphertext: plain})
}

func (Plain) Open(_ context.Context, sealed []byte) ([]byte, error) {
	env, err := decode(sealed, AlgorithmPlain)
	if err != nil {
		return nil, err
	}
	return env.Ciphertext, nil
}

// AESGCM seals with a local 256 bit key.
type AESGCM struct {
	key []byte
}

// NewAESGCM returns a sealer for a 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, errors.New("expected 256 bit key size")
	}
	return &AESGCM{key: append([]byte(nil), key...)}, nil
}

// NewAESGCMFromBase64 decodes a standard base64 key.
func NewAESGCMFromBase64(encoded string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding sealer key: %w", err)
	}
	return NewAESGCM(key)
}

func (s *AESGCM) Seal(_ context.Context, plain []byte) ([]byte, error) {
	ciphertext, nonce, err := seal(s.key, plain)
	if err != nil {
		return nil, err
	}
	return encode(&envelope{Algorithm: AlgorithmAESGCM, Ciphertext: ciphertext, Nonce: nonce})
}

func (s *AESGCM) Open(_ context.Context, sealed []byte) ([]byte, error) {
	env, err := decode(sealed, AlgorithmAESGCM)
	if err != nil {
		return nil, err
	}
	return open(s.key, env.Nonce, env.Ciphertext)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aesgcm, nil
}

func seal(key, plain []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aesgcm.Seal(nil, nonce, plain, nil), nonce, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrSealed)
	}
	plain, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening seal: %w", ErrSealed, err)
	}
	return plain, nil
}
