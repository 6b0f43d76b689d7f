package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
)

// FileSigner implements Issuer using an issuer private key and certificate
// stored in PEM files. It is used to sign ad-hoc CSRs that do not name a group.
type FileSigner struct {
	issuer *CertificateIssuer
}

// NewFileSigner creates a new FileSigner from PEM-encoded key and certificate files.
// The keyPath may hold a PKCS#8, SEC 1 EC or PKCS#1 RSA private key.
func NewFileSigner(keyPath, certPath string) (*FileSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer key file: %w", err)
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer cert file: %w", err)
	}

	return NewPEMSigner(keyData, certData)
}

// NewPEMSigner creates a FileSigner from PEM material already in memory, such
// as a key pair loaded from SSM Parameter Store.
func NewPEMSigner(keyPEM, certPEM []byte) (*FileSigner, error) {
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer private key: %w", err)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer certificate: %w", err)
	}

	return newFileSigner(cert, key)
}

func newFileSigner(cert *x509.Certificate, key crypto.Signer) (*FileSigner, error) {
	issuer, err := NewCertificateIssuer(cert, key)
	if err != nil {
		return nil, err
	}
	return &FileSigner{issuer: issuer}, nil
}

// SignCertificate signs a certificate template using the file-based private key.
// Returns DER-encoded certificate bytes.
func (s *FileSigner) SignCertificate(ctx context.Context, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	return s.issuer.SignCertificate(ctx, template, pub)
}

// Certificate returns the issuer certificate.
func (s *FileSigner) Certificate() *x509.Certificate {
	return s.issuer.Certificate()
}
