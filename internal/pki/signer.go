package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
)

// Issuer signs certificate templates to create certificates.
// Implementations include SelfIssuer (a group is its own trust root),
// CertificateIssuer (an existing certificate and key), FileSigner (local PEM
// files) and KMSSigner (AWS KMS).
type Issuer interface {
	// SignCertificate signs a fully populated template for pub and returns the
	// DER-encoded certificate bytes.
	SignCertificate(ctx context.Context, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error)

	// Certificate returns the issuing certificate, or nil when the template is
	// its own parent.
	Certificate() *x509.Certificate
}

// SelfIssuer signs a template with the subject's own private key, producing a
// certificate whose issuer equals its subject.
type SelfIssuer struct {
	key crypto.Signer
}

// NewSelfIssuer returns an Issuer that self-signs with key.
func NewSelfIssuer(key crypto.Signer) *SelfIssuer {
	return &SelfIssuer{key: key}
}

// SignCertificate self-signs template. pub must be the public half of the issuer key.
func (s *SelfIssuer) SignCertificate(_ context.Context, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	if err := verifyKeyPair(pub, s.key); err != nil {
		return nil, fmt.Errorf("self issued certificate key mismatch: %w", err)
	}
	return x509.CreateCertificate(rand.Reader, template, template, pub, s.key)
}

// Certificate returns nil, the template is its own parent.
func (s *SelfIssuer) Certificate() *x509.Certificate {
	return nil
}

// CertificateIssuer signs with an existing certificate and its private key,
// such as the current signing key of a group.
type CertificateIssuer struct {
	key  crypto.Signer
	cert *x509.Certificate
}

// NewCertificateIssuer returns an Issuer for cert, verifying key matches it.
func NewCertificateIssuer(cert *x509.Certificate, key crypto.Signer) (*CertificateIssuer, error) {
	if err := verifyKeyPair(cert.PublicKey, key); err != nil {
		return nil, fmt.Errorf("issuer key and certificate do not match: %w", err)
	}
	return &CertificateIssuer{key: key, cert: cert}, nil
}

// SignCertificate signs template with the issuer certificate as parent.
func (s *CertificateIssuer) SignCertificate(_ context.Context, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, s.cert, pub, s.key)
}

// Certificate returns the issuer certificate.
func (s *CertificateIssuer) Certificate() *x509.Certificate {
	return s.cert
}
