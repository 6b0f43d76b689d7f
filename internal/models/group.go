package models

import (
	"regexp"
	"time"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// DefaultValidDays is the validity applied to group issuance when the group does not set one.
const DefaultValidDays = 365

var groupCodePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Group is a named issuance policy. Code is immutable once created.
type Group struct {
	Code                  string        `json:"groupCode" yaml:"groupCode"`
	DisplayName           string        `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	UsageType             UsageType     `json:"usageType" yaml:"usageType"`
	KeyPolicy             KeyPolicy     `json:"keyPolicy" yaml:"keyPolicy"`
	Subject               Subject       `json:"subjectTemplate" yaml:"subjectTemplate"`
	AutoRotate            bool          `json:"autoRotate" yaml:"autoRotate"`
	RotationThresholdDays int           `json:"rotationThresholdDays" yaml:"rotationThresholdDays"`
	ValidDays             int           `json:"validDays" yaml:"validDays"`
	KeyUsage              []KeyUsage    `json:"keyUsage,omitempty" yaml:"keyUsage,omitempty"`
	ExtKeyUsage           []ExtKeyUsage `json:"extendedKeyUsage,omitempty" yaml:"extendedKeyUsage,omitempty"`
	CreatedAt             time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt             time.Time     `json:"updatedAt" yaml:"-"`
}

// ValidateGroupCode checks code against ^[a-z0-9_-]+$.
func ValidateGroupCode(code string) error {
	if !groupCodePattern.MatchString(code) {
		return errdefs.Invalid("groupCode", errdefs.CodeInvalidGroupCode,
			"group code %q must match %s", code, groupCodePattern.String())
	}
	return nil
}

// Normalize canonicalises the enum-like fields in place.
func (g *Group) Normalize() {
	if u, err := ParseUsageType("usageType", string(g.UsageType)); err == nil {
		g.UsageType = u
	}
	g.KeyPolicy = g.KeyPolicy.Normalize()
	g.Subject = g.Subject.Normalize()
}

// Validate checks every policy field.
func (g *Group) Validate() error {
	if err := ValidateGroupCode(g.Code); err != nil {
		return err
	}
	if err := g.UsageType.Validate("usageType"); err != nil {
		return err
	}
	if err := g.KeyPolicy.Validate(); err != nil {
		return err
	}
	if err := g.Subject.Validate("subjectTemplate"); err != nil {
		return err
	}
	if g.RotationThresholdDays <= 0 {
		return errdefs.Invalid("rotationThresholdDays", errdefs.CodeInvalidRotationThreshold,
			"rotation threshold must be greater than zero, got %d", g.RotationThresholdDays)
	}
	if g.ValidDays < 0 {
		return errdefs.Invalid("validDays", errdefs.CodeInvalidValidDays,
			"valid days must not be negative, got %d", g.ValidDays)
	}
	if err := ValidateKeyUsages("keyUsage", g.KeyUsage); err != nil {
		return err
	}
	return ValidateExtKeyUsages("extendedKeyUsage", g.ExtKeyUsage)
}

// Usages returns the group's key usages, falling back to the usage type defaults.
func (g *Group) Usages() ([]KeyUsage, []ExtKeyUsage) {
	ku, eku := DefaultUsages(g.UsageType, g.KeyPolicy.Type)
	if len(g.KeyUsage) > 0 {
		ku = g.KeyUsage
	}
	if len(g.ExtKeyUsage) > 0 {
		eku = g.ExtKeyUsage
	}
	return ku, eku
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	c := *g
	c.KeyUsage = append([]KeyUsage(nil), g.KeyUsage...)
	c.ExtKeyUsage = append([]ExtKeyUsage(nil), g.ExtKeyUsage...)
	return &c
}
