package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSSigningAPI is the subset of the KMS client used for certificate signing.
type KMSSigningAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner implements Issuer using AWS KMS for signing operations.
// The issuer private key never leaves the KMS HSM - only signing operations are performed.
type KMSSigner struct {
	kmsClient KMSSigningAPI
	kmsKeyID  string
	cert      *x509.Certificate
	publicKey crypto.PublicKey
}

// NewKMSSigner creates a new KMSSigner from an AWS KMS key.
// The kmsKeyID can be a key ID, key ARN, alias name, or alias ARN.
// The certPEM must contain the PEM-encoded issuer certificate for that key.
func NewKMSSigner(ctx context.Context, kmsClient KMSSigningAPI, kmsKeyID string, certPEM []byte) (*KMSSigner, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer certificate: %w", err)
	}

	// Get public key from KMS to verify it matches the certificate
	pubKeyOutput, err := kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(kmsKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	kmsPublicKey, err := x509.ParsePKIXPublicKey(pubKeyOutput.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := kmsPublicKey.(equaler)
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, fmt.Errorf("KMS public key does not match issuer certificate public key")
	}

	return &KMSSigner{
		kmsClient: kmsClient,
		kmsKeyID:  kmsKeyID,
		cert:      cert,
		publicKey: kmsPublicKey,
	}, nil
}

// NewKMSSignerFromConfig builds the KMS client from an AWS config.
func NewKMSSignerFromConfig(ctx context.Context, awsConfig aws.Config, kmsKeyID string, certPEM []byte) (*KMSSigner, error) {
	return NewKMSSigner(ctx, kms.NewFromConfig(awsConfig), kmsKeyID, certPEM)
}

// SignCertificate signs a certificate template using AWS KMS.
// Returns DER-encoded certificate bytes.
func (s *KMSSigner) SignCertificate(ctx context.Context, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	signer := &kmsCryptoSigner{
		ctx:       ctx,
		kmsClient: s.kmsClient,
		kmsKeyID:  s.kmsKeyID,
		publicKey: s.publicKey,
	}
	return x509.CreateCertificate(rand.Reader, template, s.cert, pub, signer)
}

// Certificate returns the issuer certificate.
func (s *KMSSigner) Certificate() *x509.Certificate {
	return s.cert
}

// kmsCryptoSigner implements crypto.Signer using AWS KMS for a single call
type kmsCryptoSigner struct {
	ctx       context.Context
	kmsClient KMSSigningAPI
	kmsKeyID  string
	publicKey crypto.PublicKey
}

// Public returns the public key
func (k *kmsCryptoSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign signs the digest using AWS KMS
func (k *kmsCryptoSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	alg, err := kmsSigningAlgorithm(k.publicKey, opts)
	if err != nil {
		return nil, err
	}

	signOutput, err := k.kmsClient.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.kmsKeyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign operation failed: %w", err)
	}

	// KMS returns ASN.1 DER for ECDSA and raw PKCS#1 v1.5 bytes for RSA, both
	// of which are what x509.CreateCertificate expects.
	return signOutput.Signature, nil
}

func kmsSigningAlgorithm(pub crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return "", fmt.Errorf("KMS signer does not support RSA-PSS")
	}

	switch pub.(type) {
	case *ecdsa.PublicKey:
		switch opts.HashFunc() {
		case crypto.SHA256:
			return types.SigningAlgorithmSpecEcdsaSha256, nil
		case crypto.SHA384:
			return types.SigningAlgorithmSpecEcdsaSha384, nil
		}
	case *rsa.PublicKey:
		switch opts.HashFunc() {
		case crypto.SHA256:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
		case crypto.SHA384:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
		}
	}

	return "", fmt.Errorf("KMS signer does not support %T with %v", pub, opts.HashFunc())
}
