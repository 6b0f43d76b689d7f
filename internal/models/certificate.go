package models

import (
	"time"
)

// Certificate is one issued key and certificate pair. GroupCode is empty for
// ad-hoc certificates that are not tied to a group.
type Certificate struct {
	ID        int64  `json:"-"` // snowflake, insertion order
	Kid       string `json:"kid"`
	GroupCode string `json:"groupCode,omitempty"`
	// IssuerKid is set when another certificate signed this one (CSR signing under a group).
	IssuerKid string    `json:"issuerKid,omitempty"`
	UsageType UsageType `json:"usageType"`
	KeyPolicy KeyPolicy `json:"keyPolicy"`
	Subject   Subject   `json:"subject"`

	SerialNumber string     `json:"serialNumber"`
	NotBefore    time.Time  `json:"notBefore"`
	NotAfter     *time.Time `json:"notAfter,omitempty"` // nil = unlimited validity

	CertificatePEM string `json:"certificatePem"`
	PublicKeyPEM   string `json:"publicKeyPem"`
	// PrivateKeyPEM is only populated in the issuance response, never by a store read.
	PrivateKeyPEM string `json:"privateKeyPem,omitempty"`

	KeyUsage    []KeyUsage    `json:"keyUsage,omitempty"`
	ExtKeyUsage []ExtKeyUsage `json:"extendedKeyUsage,omitempty"`

	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`

	// GroupDeletedAt is set when the owning group was deleted. Such certificates
	// stay searchable by GroupCode but never belong to a group re-created
	// under the same code.
	GroupDeletedAt *time.Time `json:"groupDeletedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsRevoked returns true once the certificate has been revoked.
func (c *Certificate) IsRevoked() bool {
	return c.RevokedAt != nil
}

// IsExpired returns true when NotAfter is set and is not after now.
func (c *Certificate) IsExpired(now time.Time) bool {
	return c.NotAfter != nil && !c.NotAfter.After(now)
}

// IsActive is true for certificates that are neither revoked nor expired.
func (c *Certificate) IsActive(now time.Time) bool {
	return !c.IsRevoked() && !c.IsExpired(now)
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	out := *c
	if c.NotAfter != nil {
		t := *c.NotAfter
		out.NotAfter = &t
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	if c.GroupDeletedAt != nil {
		t := *c.GroupDeletedAt
		out.GroupDeletedAt = &t
	}
	out.KeyUsage = append([]KeyUsage(nil), c.KeyUsage...)
	out.ExtKeyUsage = append([]ExtKeyUsage(nil), c.ExtKeyUsage...)
	return &out
}

// SelectCurrent picks the current signing key: the non-revoked certificate
// with the greatest NotBefore, ties broken by the greatest ID. Returns nil when
// every certificate is revoked or certs is empty.
func SelectCurrent(certs []*Certificate) *Certificate {
	var current *Certificate
	for _, c := range certs {
		if c.IsRevoked() {
			continue
		}
		if current == nil ||
			c.NotBefore.After(current.NotBefore) ||
			(c.NotBefore.Equal(current.NotBefore) && c.ID > current.ID) {
			current = c
		}
	}
	return current
}
