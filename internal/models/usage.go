package models

import (
	"strings"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// UsageType is the purpose a group's certificates are issued for.
type UsageType string

const (
	UsageServerSigning UsageType = "server_signing"
	UsageClientSigning UsageType = "client_signing"
	UsageEncryption    UsageType = "encryption"
)

var usageTypes = []UsageType{UsageServerSigning, UsageClientSigning, UsageEncryption}

// UsageTypes returns the closed set of recognised usage types.
func UsageTypes() []UsageType {
	return append([]UsageType(nil), usageTypes...)
}

// ParseUsageType accepts the canonical lower-case form as well as the upper-case
// enum spelling (SERVER_SIGNING).
func ParseUsageType(field, s string) (UsageType, error) {
	candidate := UsageType(strings.ToLower(strings.TrimSpace(s)))
	for _, u := range usageTypes {
		if u == candidate {
			return u, nil
		}
	}
	return "", errdefs.Invalid(field, errdefs.CodeUnknownUsageType, "unrecognised usage type %q", s)
}

// Validate reports whether u is one of the recognised usage types.
func (u UsageType) Validate(field string) error {
	_, err := ParseUsageType(field, string(u))
	return err
}

// IsSigning is true for usage types whose keys produce signatures.
func (u UsageType) IsSigning() bool {
	return u == UsageServerSigning || u == UsageClientSigning
}

// KeyUsage is an X.509 key usage flag name.
type KeyUsage string

const (
	KeyUsageDigitalSignature  KeyUsage = "digitalSignature"
	KeyUsageContentCommitment KeyUsage = "contentCommitment"
	KeyUsageKeyEncipherment   KeyUsage = "keyEncipherment"
	KeyUsageDataEncipherment  KeyUsage = "dataEncipherment"
	KeyUsageKeyAgreement      KeyUsage = "keyAgreement"
	KeyUsageKeyCertSign       KeyUsage = "keyCertSign"
	KeyUsageCRLSign           KeyUsage = "cRLSign"
	KeyUsageEncipherOnly      KeyUsage = "encipherOnly"
	KeyUsageDecipherOnly      KeyUsage = "decipherOnly"
)

var keyUsages = map[string]KeyUsage{
	"digitalsignature":  KeyUsageDigitalSignature,
	"contentcommitment": KeyUsageContentCommitment,
	"nonrepudiation":    KeyUsageContentCommitment,
	"keyencipherment":   KeyUsageKeyEncipherment,
	"dataencipherment":  KeyUsageDataEncipherment,
	"keyagreement":      KeyUsageKeyAgreement,
	"keycertsign":       KeyUsageKeyCertSign,
	"crlsign":           KeyUsageCRLSign,
	"encipheronly":      KeyUsageEncipherOnly,
	"decipheronly":      KeyUsageDecipherOnly,
}

// ExtKeyUsage is an X.509 extended key usage name.
type ExtKeyUsage string

const (
	ExtKeyUsageServerAuth      ExtKeyUsage = "serverAuth"
	ExtKeyUsageClientAuth      ExtKeyUsage = "clientAuth"
	ExtKeyUsageCodeSigning     ExtKeyUsage = "codeSigning"
	ExtKeyUsageEmailProtection ExtKeyUsage = "emailProtection"
	ExtKeyUsageTimeStamping    ExtKeyUsage = "timeStamping"
	ExtKeyUsageOCSPSigning     ExtKeyUsage = "OCSPSigning"
)

var extKeyUsages = map[string]ExtKeyUsage{
	"serverauth":      ExtKeyUsageServerAuth,
	"clientauth":      ExtKeyUsageClientAuth,
	"codesigning":     ExtKeyUsageCodeSigning,
	"emailprotection": ExtKeyUsageEmailProtection,
	"timestamping":    ExtKeyUsageTimeStamping,
	"ocspsigning":     ExtKeyUsageOCSPSigning,
}

func normaliseFlag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "").Replace(s)
}

// ParseKeyUsages validates names against the key usage vocabulary, returning
// canonical values with duplicates removed.
func ParseKeyUsages(field string, names []string) ([]KeyUsage, error) {
	out := make([]KeyUsage, 0, len(names))
	seen := make(map[KeyUsage]bool, len(names))
	for _, n := range names {
		ku, ok := keyUsages[normaliseFlag(n)]
		if !ok {
			return nil, errdefs.Invalid(field, errdefs.CodeUnknownKeyUsage, "unknown key usage %q", n)
		}
		if seen[ku] {
			continue
		}
		seen[ku] = true
		out = append(out, ku)
	}
	return out, nil
}

// ParseExtKeyUsages validates names against the extended key usage vocabulary.
func ParseExtKeyUsages(field string, names []string) ([]ExtKeyUsage, error) {
	out := make([]ExtKeyUsage, 0, len(names))
	seen := make(map[ExtKeyUsage]bool, len(names))
	for _, n := range names {
		eku, ok := extKeyUsages[normaliseFlag(n)]
		if !ok {
			return nil, errdefs.Invalid(field, errdefs.CodeUnknownExtKeyUsage, "unknown extended key usage %q", n)
		}
		if seen[eku] {
			continue
		}
		seen[eku] = true
		out = append(out, eku)
	}
	return out, nil
}

// ValidateKeyUsages re-checks already typed values, which may have been built
// from untrusted input without going through ParseKeyUsages.
func ValidateKeyUsages(field string, usages []KeyUsage) error {
	for _, ku := range usages {
		if canonical, ok := keyUsages[normaliseFlag(string(ku))]; !ok || canonical != ku {
			return errdefs.Invalid(field, errdefs.CodeUnknownKeyUsage, "unknown key usage %q", ku)
		}
	}
	return nil
}

// ValidateExtKeyUsages is the extended key usage counterpart of ValidateKeyUsages.
func ValidateExtKeyUsages(field string, usages []ExtKeyUsage) error {
	for _, eku := range usages {
		if canonical, ok := extKeyUsages[normaliseFlag(string(eku))]; !ok || canonical != eku {
			return errdefs.Invalid(field, errdefs.CodeUnknownExtKeyUsage, "unknown extended key usage %q", eku)
		}
	}
	return nil
}

// DefaultUsages returns the key usage and extended key usage applied when a
// request or group leaves them empty.
func DefaultUsages(usage UsageType, keyType KeyType) ([]KeyUsage, []ExtKeyUsage) {
	switch usage {
	case UsageServerSigning:
		return []KeyUsage{KeyUsageDigitalSignature}, []ExtKeyUsage{ExtKeyUsageServerAuth}
	case UsageClientSigning:
		return []KeyUsage{KeyUsageDigitalSignature}, []ExtKeyUsage{ExtKeyUsageClientAuth}
	case UsageEncryption:
		if keyType == KeyTypeEC {
			return []KeyUsage{KeyUsageKeyAgreement}, nil
		}
		return []KeyUsage{KeyUsageKeyEncipherment, KeyUsageDataEncipherment}, nil
	}
	return nil, nil
}
