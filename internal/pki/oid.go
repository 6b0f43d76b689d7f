package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// Custom OID arc: 1.3.6.1.4.1.99999.2.x (temporary private arc)
// For production, register a Private Enterprise Number (PEN) with IANA
var (
	// OIDKeyforgeArc is the base OID for all keyforge extensions
	OIDKeyforgeArc = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2}

	// OIDGroupCode identifies the certificate group the certificate was issued under
	// Value: UTF8String or PrintableString
	OIDGroupCode = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1}

	// OIDUsageType identifies the usage type (server_signing, client_signing, encryption)
	// Value: UTF8String or PrintableString
	OIDUsageType = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 2}
)

// ErrExtensionNotFound is returned when a required extension is missing
var ErrExtensionNotFound = errors.New("extension not found")

func stringExtension(oid asn1.ObjectIdentifier, value string) (pkix.Extension, error) {
	b, err := asn1.Marshal(value)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal extension %s: %w", oid, err)
	}
	return pkix.Extension{Id: oid, Value: b}, nil
}

func extractString(cert *x509.Certificate, oid asn1.ObjectIdentifier) (string, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			var value string
			if _, err := asn1.Unmarshal(ext.Value, &value); err != nil {
				return "", fmt.Errorf("failed to unmarshal extension %s: %w", oid, err)
			}
			return value, nil
		}
	}
	return "", ErrExtensionNotFound
}

// ExtractGroupCode extracts the group code from the custom OID extension
func ExtractGroupCode(cert *x509.Certificate) (string, error) {
	return extractString(cert, OIDGroupCode)
}

// ExtractUsageType extracts the usage type from the custom OID extension
func ExtractUsageType(cert *x509.Certificate) (string, error) {
	return extractString(cert, OIDUsageType)
}
