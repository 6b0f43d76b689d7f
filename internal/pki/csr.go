package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

var (
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidState              = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

var subjectOIDs = map[string]asn1.ObjectIdentifier{
	"C":            oidCountry,
	"ST":           oidState,
	"L":            oidLocality,
	"O":            oidOrganization,
	"OU":           oidOrganizationalUnit,
	"CN":           oidCommonName,
	"emailAddress": oidEmailAddress,
}

// EncodeSubject DER encodes the subject as an RDN sequence in the order
// C, ST, L, O, OU, CN, emailAddress with one attribute per RDN.
func EncodeSubject(subject models.Subject) ([]byte, error) {
	var rdns pkix.RDNSequence
	for _, a := range subject.Attributes() {
		var value any = a.Value
		if a.Name == "emailAddress" {
			value = asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(a.Value)}
		}
		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{
			{Type: subjectOIDs[a.Name], Value: value},
		})
	}

	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, errdefs.Invalid("subject", errdefs.CodeInvalidSubject, "failed to encode subject: %v", err)
	}
	return der, nil
}

// SubjectFromName maps the supported attributes of a parsed name back to a
// Subject. Attributes outside the supported set are ignored.
func SubjectFromName(name pkix.Name) models.Subject {
	m := make(map[string]string)
	for _, atv := range name.Names {
		value, ok := atv.Value.(string)
		if !ok {
			continue
		}
		for short, oid := range subjectOIDs {
			if atv.Type.Equal(oid) {
				m[short] = value
			}
		}
	}
	// only supported names are collected so this cannot fail
	s, _ := models.SubjectFromMap(m)
	return s
}

// BuildCSR creates a certificate request for subject signed by key, proving
// possession of the private key.
func BuildCSR(subject models.Subject, key crypto.Signer) (*x509.CertificateRequest, []byte, error) {
	rawSubject, err := EncodeSubject(subject)
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		RawSubject: rawSubject,
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate request: %w", err)
	}

	return csr, pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}), nil
}

// ParseCSR decodes a PEM certificate request and verifies its self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != pemTypeCSR && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, errdefs.Invalid("csr", errdefs.CodeInvalidCSR, "failed to decode certificate request PEM")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errdefs.Invalid("csr", errdefs.CodeInvalidCSR, "failed to parse certificate request: %v", err)
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, errdefs.Invalid("csr", errdefs.CodeInvalidCSR, "certificate request signature is invalid: %v", err)
	}

	return csr, nil
}
