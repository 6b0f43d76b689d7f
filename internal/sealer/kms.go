package sealer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMS seals each value with a fresh AES-256 data key generated by AWS KMS.
// Only the KMS encrypted data key is stored alongside the ciphertext.
type KMS struct {
	client KMSAPI
	keyID  string
}

// NewKMS returns a sealer using the KMS key keyID (id, ARN or alias).
func NewKMS(client KMSAPI, keyID string) *KMS {
	return &KMS{client: client, keyID: keyID}
}

// NewKMSFromConfig builds the KMS client from an AWS config.
func NewKMSFromConfig(awsConfig aws.Config, keyID string) *KMS {
	return NewKMS(kms.NewFromConfig(awsConfig), keyID)
}

func (s *KMS) Seal(ctx context.Context, plain []byte) ([]byte, error) {
	dko, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}

	ciphertext, nonce, err := seal(dko.Plaintext, plain)
	clear(dko.Plaintext)
	if err != nil {
		return nil, err
	}

	rootKeyID := s.keyID
	if dko.KeyId != nil {
		rootKeyID = *dko.KeyId
	}

	return encode(&envelope{
		Algorithm:  AlgorithmKMSAESGCM,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Key:        dko.CiphertextBlob,
		RootKeyID:  rootKeyID,
	})
}

func (s *KMS) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	env, err := decode(sealed, AlgorithmKMSAESGCM)
	if err != nil {
		return nil, err
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: env.Key,
		KeyId:          aws.String(env.RootKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting data key: %w", err)
	}
	defer clear(out.Plaintext)

	return open(out.Plaintext, env.Nonce, env.Ciphertext)
}
