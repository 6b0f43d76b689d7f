package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/mr-tron/base58"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

// UnlimitedNotAfter is the RFC 5280 "no well-defined expiration date" value
// written into certificates issued with zero valid days.
var UnlimitedNotAfter = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

var keyUsageBits = map[models.KeyUsage]x509.KeyUsage{
	models.KeyUsageDigitalSignature:  x509.KeyUsageDigitalSignature,
	models.KeyUsageContentCommitment: x509.KeyUsageContentCommitment,
	models.KeyUsageKeyEncipherment:   x509.KeyUsageKeyEncipherment,
	models.KeyUsageDataEncipherment:  x509.KeyUsageDataEncipherment,
	models.KeyUsageKeyAgreement:      x509.KeyUsageKeyAgreement,
	models.KeyUsageKeyCertSign:       x509.KeyUsageCertSign,
	models.KeyUsageCRLSign:           x509.KeyUsageCRLSign,
	models.KeyUsageEncipherOnly:      x509.KeyUsageEncipherOnly,
	models.KeyUsageDecipherOnly:      x509.KeyUsageDecipherOnly,
}

var extKeyUsages = map[models.ExtKeyUsage]x509.ExtKeyUsage{
	models.ExtKeyUsageServerAuth:      x509.ExtKeyUsageServerAuth,
	models.ExtKeyUsageClientAuth:      x509.ExtKeyUsageClientAuth,
	models.ExtKeyUsageCodeSigning:     x509.ExtKeyUsageCodeSigning,
	models.ExtKeyUsageEmailProtection: x509.ExtKeyUsageEmailProtection,
	models.ExtKeyUsageTimeStamping:    x509.ExtKeyUsageTimeStamping,
	models.ExtKeyUsageOCSPSigning:     x509.ExtKeyUsageOCSPSigning,
}

// IssueRequest describes a certificate to be signed.
type IssueRequest struct {
	Subject     models.Subject
	PublicKey   crypto.PublicKey
	UsageType   models.UsageType
	ValidDays   int // 0 = unlimited validity
	KeyUsage    []models.KeyUsage
	ExtKeyUsage []models.ExtKeyUsage
	GroupCode   string    // optional, embedded as a private extension
	Now         time.Time // defaults to time.Now
}

// Issued is the result of signing a certificate.
type Issued struct {
	Certificate *models.Certificate
	X509        *x509.Certificate
}

// Kid derives the key identifier for a certificate: the base58 encoded
// SHA-256 of its DER bytes. The random serial makes it unique per issuance.
func Kid(der []byte) string {
	hash := sha256.Sum256(der)
	return base58.Encode(hash[:])
}

// SignCertificate builds a certificate for the request and signs it with issuer.
func SignCertificate(ctx context.Context, req IssueRequest, issuer Issuer) (*Issued, error) {
	if req.ValidDays < 0 {
		return nil, errdefs.Invalid("validDays", errdefs.CodeInvalidValidDays, "valid days must not be negative, got %d", req.ValidDays)
	}
	if err := req.UsageType.Validate("usageType"); err != nil {
		return nil, err
	}
	if err := req.Subject.Validate("subject"); err != nil {
		return nil, err
	}
	if err := models.ValidateKeyUsages("keyUsage", req.KeyUsage); err != nil {
		return nil, err
	}
	if err := models.ValidateExtKeyUsages("extendedKeyUsage", req.ExtKeyUsage); err != nil {
		return nil, err
	}
	policy, err := PolicyForPublicKey(req.PublicKey)
	if err != nil {
		return nil, err
	}

	template, notAfter, err := buildTemplate(req)
	if err != nil {
		return nil, err
	}

	der, err := issuer.SignCertificate(ctx, template, req.PublicKey)
	if err != nil {
		if ctxErr := errdefs.FromContext(ctx.Err()); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed certificate: %w", err)
	}

	publicKeyPEM, err := MarshalPublicKeyPEM(req.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Issued{
		X509: cert,
		Certificate: &models.Certificate{
			Kid:            Kid(der),
			GroupCode:      req.GroupCode,
			UsageType:      req.UsageType,
			KeyPolicy:      policy,
			Subject:        req.Subject,
			SerialNumber:   cert.SerialNumber.Text(16),
			NotBefore:      template.NotBefore,
			NotAfter:       notAfter,
			CertificatePEM: string(encodeCertificatePEM(der)),
			PublicKeyPEM:   string(publicKeyPEM),
			KeyUsage:       append([]models.KeyUsage(nil), req.KeyUsage...),
			ExtKeyUsage:    append([]models.ExtKeyUsage(nil), req.ExtKeyUsage...),
		},
	}, nil
}

func buildTemplate(req IssueRequest) (*x509.Certificate, *time.Time, error) {
	rawSubject, err := EncodeSubject(req.Subject)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	skid, err := subjectKeyID(req.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	// certificates carry second precision
	notBefore := now.UTC().Truncate(time.Second)

	var notAfter *time.Time
	certNotAfter := UnlimitedNotAfter
	if req.ValidDays > 0 {
		t := notBefore.AddDate(0, 0, req.ValidDays)
		notAfter = &t
		certNotAfter = t
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            rawSubject,
		NotBefore:             notBefore,
		NotAfter:              certNotAfter,
		SubjectKeyId:          skid,
		BasicConstraintsValid: true,
	}

	for _, ku := range req.KeyUsage {
		template.KeyUsage |= keyUsageBits[ku]
	}
	for _, eku := range req.ExtKeyUsage {
		template.ExtKeyUsage = append(template.ExtKeyUsage, extKeyUsages[eku])
	}

	usageExt, err := stringExtension(OIDUsageType, string(req.UsageType))
	if err != nil {
		return nil, nil, err
	}
	template.ExtraExtensions = []pkix.Extension{usageExt}
	if req.GroupCode != "" {
		groupExt, err := stringExtension(OIDGroupCode, req.GroupCode)
		if err != nil {
			return nil, nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, groupExt)
	}

	return template, notAfter, nil
}

// subjectKeyID is the leftmost 160 bits of the SHA-256 of the PKIX public key (RFC 7093 method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	hash := sha256.Sum256(der)
	return hash[:20], nil
}
