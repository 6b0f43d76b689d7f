package models

import (
	"strconv"
	"strings"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// KeyType selects the asymmetric algorithm family.
type KeyType string

const (
	KeyTypeRSA KeyType = "RSA"
	KeyTypeEC  KeyType = "EC"
)

// Curve names an elliptic curve by its JOSE name.
type Curve string

const (
	CurveP256 Curve = "P-256"
	CurveP384 Curve = "P-384"
)

// DefaultCurve is used for EC policies that leave the curve unset.
const DefaultCurve = CurveP256

// RSAKeySizes lists the accepted RSA modulus sizes in bits.
var RSAKeySizes = []int{2048, 3072, 4096}

// KeyPolicy is a tagged variant: Size is only meaningful for RSA and Curve only for EC.
type KeyPolicy struct {
	Type  KeyType `json:"keyType" yaml:"keyType"`
	Size  int     `json:"keySize,omitempty" yaml:"keySize,omitempty"`
	Curve Curve   `json:"keyCurve,omitempty" yaml:"keyCurve,omitempty"`
}

// RSAPolicy returns an RSA key policy.
func RSAPolicy(size int) KeyPolicy {
	return KeyPolicy{Type: KeyTypeRSA, Size: size}
}

// ECPolicy returns an EC key policy.
func ECPolicy(curve Curve) KeyPolicy {
	return KeyPolicy{Type: KeyTypeEC, Curve: curve}
}

// Normalize canonicalises the key type spelling, applies the default curve and
// clears the field that does not belong to the variant.
func (p KeyPolicy) Normalize() KeyPolicy {
	p.Type = KeyType(strings.ToUpper(strings.TrimSpace(string(p.Type))))
	switch p.Type {
	case KeyTypeRSA:
		p.Curve = ""
	case KeyTypeEC:
		p.Size = 0
		if p.Curve == "" {
			p.Curve = DefaultCurve
		}
		p.Curve = Curve(strings.ToUpper(string(p.Curve)))
	}
	return p
}

// Validate checks the policy after normalisation.
func (p KeyPolicy) Validate() error {
	p = p.Normalize()
	switch p.Type {
	case KeyTypeRSA:
		for _, size := range RSAKeySizes {
			if p.Size == size {
				return nil
			}
		}
		return errdefs.Invalid("keyPolicy.keySize", errdefs.CodeUnsupportedKeySize,
			"RSA key size %d is not one of %v", p.Size, RSAKeySizes)
	case KeyTypeEC:
		switch p.Curve {
		case CurveP256, CurveP384:
			return nil
		}
		return errdefs.Invalid("keyPolicy.keyCurve", errdefs.CodeUnsupportedCurve,
			"curve %q is not supported", p.Curve)
	}
	return errdefs.Invalid("keyPolicy.keyType", errdefs.CodeUnsupportedKeyType,
		"key type %q is not supported", p.Type)
}

func (p KeyPolicy) String() string {
	switch p.Type {
	case KeyTypeRSA:
		return "RSA-" + strconv.Itoa(p.Size)
	case KeyTypeEC:
		return "EC-" + string(p.Curve)
	}
	return string(p.Type)
}
