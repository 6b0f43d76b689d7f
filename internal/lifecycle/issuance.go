package lifecycle

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/store"
	"github.com/wolfeidau/keyforge/internal/telemetry"
)

// issuance sources recorded on metrics
const (
	sourceGroup    = "group"
	sourceRotation = "rotation"
	sourceAdHoc    = "adhoc"
	sourceCSR      = "csr"
)

// Issuance mints key pairs and certificates.
type Issuance struct {
	*core
}

// GenerateRequest asks for a fresh key pair, optionally with a CSR.
type GenerateRequest struct {
	Subject     models.Subject
	UsageType   models.UsageType
	KeyPolicy   models.KeyPolicy
	MakeCSR     bool
	KeyUsage    []models.KeyUsage
	ExtKeyUsage []models.ExtKeyUsage
	ValidDays   int // self-signed validity when MakeCSR is false, 0 = unlimited
}

// GenerateResult carries the generated key material. CSRPEM is set when a CSR
// was requested, Certificate otherwise.
type GenerateResult struct {
	PrivateKeyPEM string              `json:"privateKeyPem"`
	PublicKeyPEM  string              `json:"publicKeyPem"`
	CSRPEM        string              `json:"csrPem,omitempty"`
	Certificate   *models.Certificate `json:"certificate,omitempty"`
}

// SignCSRRequest asks for a CSR to be signed. With a GroupCode the group's
// current signing key issues the certificate, otherwise the ad-hoc issuer.
type SignCSRRequest struct {
	CSRPEM      string
	UsageType   models.UsageType
	ValidDays   int
	KeyUsage    []models.KeyUsage
	ExtKeyUsage []models.ExtKeyUsage
	GroupCode   string
}

// IssueOptions override a group's policy for a single issuance.
type IssueOptions struct {
	ValidDays   *int
	Subject     models.Subject
	KeyUsage    []models.KeyUsage
	ExtKeyUsage []models.ExtKeyUsage
}

// GenerateKeyAndOptionalCSR generates a key pair. With MakeCSR it returns the
// key and a CSR signed by it and persists nothing. Otherwise it self-signs an
// ad-hoc certificate, registers it and returns the private key once.
func (i *Issuance) GenerateKeyAndOptionalCSR(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	usageType, err := models.ParseUsageType("usageType", string(req.UsageType))
	if err != nil {
		return nil, err
	}
	policy := req.KeyPolicy.Normalize()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	subject := req.Subject.Normalize()
	if err := requireSubject(subject); err != nil {
		return nil, err
	}
	if err := subject.Validate("subject"); err != nil {
		return nil, err
	}
	if req.ValidDays < 0 {
		return nil, errdefs.Invalid("validDays", errdefs.CodeInvalidValidDays, "valid days must not be negative, got %d", req.ValidDays)
	}
	keyUsage, extKeyUsage := usagesOrDefault(usageType, policy.Type, req.KeyUsage, req.ExtKeyUsage)
	if err := validateUsages(keyUsage, extKeyUsage); err != nil {
		return nil, err
	}

	key, err := i.generateKey(policy)
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := pki.MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	publicKeyPEM, err := pki.MarshalPublicKeyPEM(key.Public())
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{
		PrivateKeyPEM: string(privateKeyPEM),
		PublicKeyPEM:  string(publicKeyPEM),
	}

	if req.MakeCSR {
		_, csrPEM, err := pki.BuildCSR(subject, key)
		if err != nil {
			return nil, err
		}
		result.CSRPEM = string(csrPEM)

		log.Info().
			Str("usage_type", string(usageType)).
			Str("key_policy", policy.String()).
			Msg("Generated key pair and CSR")

		return result, nil
	}

	cert, err := i.issue(ctx, issueParams{
		subject:     subject,
		key:         key,
		issuer:      pki.NewSelfIssuer(key),
		usageType:   usageType,
		validDays:   req.ValidDays,
		keyUsage:    keyUsage,
		extKeyUsage: extKeyUsage,
		storeKey:    true,
		source:      sourceAdHoc,
	})
	if err != nil {
		return nil, err
	}

	cert.PrivateKeyPEM = result.PrivateKeyPEM
	result.Certificate = cert

	return result, nil
}

// SignCSR issues a certificate for the public key in a CSR after checking the
// CSR signature. The caller keeps the private key.
func (i *Issuance) SignCSR(ctx context.Context, req SignCSRRequest) (*models.Certificate, error) {
	csr, err := pki.ParseCSR([]byte(req.CSRPEM))
	if err != nil {
		return nil, err
	}
	if req.ValidDays < 0 {
		return nil, errdefs.Invalid("validDays", errdefs.CodeInvalidValidDays, "valid days must not be negative, got %d", req.ValidDays)
	}

	policy, err := pki.PolicyForPublicKey(csr.PublicKey)
	if err != nil {
		return nil, err
	}

	var (
		issuer    pki.Issuer
		issuerKid string
		usageType models.UsageType
	)

	if req.UsageType != "" {
		if usageType, err = models.ParseUsageType("usageType", string(req.UsageType)); err != nil {
			return nil, err
		}
	}

	if req.GroupCode != "" {
		group, err := i.store.GetGroup(ctx, req.GroupCode)
		if err != nil {
			return nil, errdefs.FromContext(err)
		}
		switch {
		case usageType == "":
			usageType = group.UsageType
		case usageType != group.UsageType:
			return nil, errdefs.Invalid("usageType", errdefs.CodeGroupMismatch,
				"usage type %s does not match group %s usage type %s", usageType, group.Code, group.UsageType)
		}

		current, key, err := i.currentKey(ctx, group.Code)
		if err != nil {
			return nil, err
		}
		issuerCert, err := pki.ParseCertificatePEM([]byte(current.CertificatePEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse group certificate %s: %w", current.Kid, err)
		}
		if issuer, err = pki.NewCertificateIssuer(issuerCert, key); err != nil {
			return nil, err
		}
		issuerKid = current.Kid
	} else {
		if i.adHocIssuer == nil {
			return nil, errdefs.Invalid("groupCode", errdefs.CodeNoIssuer, "no ad-hoc issuer is configured, a group code is required")
		}
		if usageType == "" {
			return nil, errdefs.Invalid("usageType", errdefs.CodeUnknownUsageType, "usage type is required")
		}
		issuer = i.adHocIssuer
	}

	keyUsage, extKeyUsage := usagesOrDefault(usageType, policy.Type, req.KeyUsage, req.ExtKeyUsage)
	if err := validateUsages(keyUsage, extKeyUsage); err != nil {
		return nil, err
	}

	return i.issue(ctx, issueParams{
		subject:     pki.SubjectFromName(csr.Subject),
		publicKey:   csr.PublicKey,
		issuer:      issuer,
		issuerKid:   issuerKid,
		usageType:   usageType,
		validDays:   req.ValidDays,
		keyUsage:    keyUsage,
		extKeyUsage: extKeyUsage,
		source:      sourceCSR,
	})
}

// IssueUnderGroup mints a new key pair under a group's policy. The private key
// is sealed and kept by the engine for signing.
func (i *Issuance) IssueUnderGroup(ctx context.Context, code string, opts IssueOptions) (*models.Certificate, error) {
	group, err := i.store.GetGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}
	return i.issueUnderGroup(ctx, group, opts, nil, sourceGroup)
}

// issueUnderGroup issues for group. A non-nil expectCurrentKid makes the
// registration conditional on the group's current key being unchanged.
func (i *Issuance) issueUnderGroup(ctx context.Context, group *models.Group, opts IssueOptions, expectCurrentKid *string, source string) (*models.Certificate, error) {
	validDays := group.ValidDays
	if opts.ValidDays != nil {
		validDays = *opts.ValidDays
	}
	if validDays < 0 {
		return nil, errdefs.Invalid("validDays", errdefs.CodeInvalidValidDays, "valid days must not be negative, got %d", validDays)
	}

	subject := group.Subject.Merge(opts.Subject.Normalize())
	if err := requireSubject(subject); err != nil {
		return nil, err
	}

	keyUsage, extKeyUsage := group.Usages()
	if len(opts.KeyUsage) > 0 {
		keyUsage = opts.KeyUsage
	}
	if len(opts.ExtKeyUsage) > 0 {
		extKeyUsage = opts.ExtKeyUsage
	}
	if err := validateUsages(keyUsage, extKeyUsage); err != nil {
		return nil, err
	}

	key, err := i.generateKey(group.KeyPolicy)
	if err != nil {
		return nil, err
	}

	return i.issue(ctx, issueParams{
		subject:          subject,
		key:              key,
		issuer:           pki.NewSelfIssuer(key),
		usageType:        group.UsageType,
		validDays:        validDays,
		keyUsage:         keyUsage,
		extKeyUsage:      extKeyUsage,
		groupCode:        group.Code,
		storeKey:         true,
		expectCurrentKid: expectCurrentKid,
		source:           source,
	})
}

type issueParams struct {
	subject     models.Subject
	key         crypto.Signer    // set when the engine generated the key
	publicKey   crypto.PublicKey // set when only the public key is known
	issuer      pki.Issuer
	issuerKid   string
	usageType   models.UsageType
	validDays   int
	keyUsage    []models.KeyUsage
	extKeyUsage []models.ExtKeyUsage
	groupCode   string

	storeKey         bool
	expectCurrentKid *string
	source           string
}

// issue signs, seals and registers a certificate.
func (i *Issuance) issue(ctx context.Context, p issueParams) (cert *models.Certificate, err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.issue",
		attribute.String("group_code", p.groupCode),
		attribute.String("usage_type", string(p.usageType)),
		attribute.String("source", p.source),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	pub := p.publicKey
	if p.key != nil {
		pub = p.key.Public()
	}

	now := i.now()
	issued, err := pki.SignCertificate(ctx, pki.IssueRequest{
		Subject:     p.subject,
		PublicKey:   pub,
		UsageType:   p.usageType,
		ValidDays:   p.validDays,
		KeyUsage:    p.keyUsage,
		ExtKeyUsage: p.extKeyUsage,
		GroupCode:   p.groupCode,
		Now:         now,
	}, p.issuer)
	if err != nil {
		return nil, err
	}

	cert = issued.Certificate
	cert.ID = i.nextID()
	cert.IssuerKid = p.issuerKid
	cert.CreatedAt = now

	opts := store.RegisterOptions{ExpectCurrentKid: p.expectCurrentKid}
	if p.storeKey && p.key != nil {
		privateKeyPEM, err := pki.MarshalPrivateKeyPEM(p.key)
		if err != nil {
			return nil, err
		}
		if opts.SealedPrivateKey, err = i.sealer.Seal(ctx, privateKeyPEM); err != nil {
			return nil, fmt.Errorf("failed to seal private key: %w", errdefs.FromContext(err))
		}
	}

	if err := i.store.Register(ctx, cert, opts); err != nil {
		return nil, errdefs.FromContext(err)
	}

	i.metrics.CertificatesIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", p.source),
		attribute.String("usage_type", string(p.usageType)),
	))

	log.Info().
		Str("kid", cert.Kid).
		Str("group_code", cert.GroupCode).
		Str("issuer_kid", cert.IssuerKid).
		Str("usage_type", string(cert.UsageType)).
		Str("source", p.source).
		Time("not_before", cert.NotBefore).
		Msg("Issued certificate")

	return cert, nil
}

// currentKey loads the group's current signing certificate and its private key.
func (c *core) currentKey(ctx context.Context, groupCode string) (*models.Certificate, crypto.Signer, error) {
	current, err := c.store.Current(ctx, groupCode)
	if err != nil {
		if errors.Is(err, store.ErrNoCurrentKey) {
			return nil, nil, errdefs.Invalid("groupCode", errdefs.CodeNoIssuer, "group %s has no current signing key", groupCode)
		}
		return nil, nil, errdefs.FromContext(err)
	}

	key, err := c.privateKey(ctx, current.Kid)
	if err != nil {
		return nil, nil, err
	}

	return current, key, nil
}

// privateKey unseals and parses the private key held for kid.
func (c *core) privateKey(ctx context.Context, kid string) (crypto.Signer, error) {
	sealed, err := c.store.GetPrivateKey(ctx, kid)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	plain, err := c.sealer.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal private key for %s: %w", kid, errdefs.FromContext(err))
	}

	key, err := pki.ParsePrivateKeyPEM(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key for %s: %w", kid, err)
	}

	return key, nil
}

func (i *Issuance) generateKey(policy models.KeyPolicy) (crypto.Signer, error) {
	started := time.Now()
	key, err := pki.GenerateKey(policy)
	if err != nil {
		return nil, err
	}

	i.metrics.KeyGenerationDuration.Record(context.Background(), float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("key_policy", policy.String())))

	return key, nil
}

func usagesOrDefault(usageType models.UsageType, keyType models.KeyType, ku []models.KeyUsage, eku []models.ExtKeyUsage) ([]models.KeyUsage, []models.ExtKeyUsage) {
	defaultKU, defaultEKU := models.DefaultUsages(usageType, keyType)
	if len(ku) == 0 {
		ku = defaultKU
	}
	if len(eku) == 0 {
		eku = defaultEKU
	}
	return ku, eku
}

func validateUsages(ku []models.KeyUsage, eku []models.ExtKeyUsage) error {
	if err := models.ValidateKeyUsages("keyUsage", ku); err != nil {
		return err
	}
	return models.ValidateExtKeyUsages("extendedKeyUsage", eku)
}

func requireSubject(subject models.Subject) error {
	if subject.IsEmpty() {
		return errdefs.Invalid("subject", errdefs.CodeInvalidSubject, "subject must have at least one attribute")
	}
	return nil
}
