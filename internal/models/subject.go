package models

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// Subject is an X.509 distinguished name restricted to the attributes the
// engine issues: C, ST, L, O, OU, CN and emailAddress.
type Subject struct {
	Country            string `json:"C,omitempty" yaml:"C,omitempty"`
	State              string `json:"ST,omitempty" yaml:"ST,omitempty"`
	Locality           string `json:"L,omitempty" yaml:"L,omitempty"`
	Organization       string `json:"O,omitempty" yaml:"O,omitempty"`
	OrganizationalUnit string `json:"OU,omitempty" yaml:"OU,omitempty"`
	CommonName         string `json:"CN,omitempty" yaml:"CN,omitempty"`
	EmailAddress       string `json:"emailAddress,omitempty" yaml:"emailAddress,omitempty"`
}

// SubjectAttribute pairs a short attribute name with its value.
type SubjectAttribute struct {
	Name  string
	Value string
}

// SubjectAttributeNames is the fixed RDN order used for encoding and display.
var SubjectAttributeNames = []string{"C", "ST", "L", "O", "OU", "CN", "emailAddress"}

// upper bounds from RFC 5280 appendix A
var subjectMaxLen = map[string]int{
	"C":            2,
	"ST":           128,
	"L":            128,
	"O":            64,
	"OU":           64,
	"CN":           64,
	"emailAddress": 255,
}

// SubjectFromMap builds a Subject from short attribute names. Unknown names are rejected.
func SubjectFromMap(m map[string]string) (Subject, error) {
	var s Subject
	for k, v := range m {
		if !s.set(k, v) {
			return Subject{}, errdefs.Invalid("subject."+k, errdefs.CodeInvalidSubject, "unknown subject attribute %q", k)
		}
	}
	return s, nil
}

func (s *Subject) set(name, value string) bool {
	switch name {
	case "C":
		s.Country = value
	case "ST":
		s.State = value
	case "L":
		s.Locality = value
	case "O":
		s.Organization = value
	case "OU":
		s.OrganizationalUnit = value
	case "CN":
		s.CommonName = value
	case "emailAddress":
		s.EmailAddress = value
	default:
		return false
	}
	return true
}

// Attributes returns the populated attributes in RDN order.
func (s Subject) Attributes() []SubjectAttribute {
	values := []string{s.Country, s.State, s.Locality, s.Organization, s.OrganizationalUnit, s.CommonName, s.EmailAddress}
	attrs := make([]SubjectAttribute, 0, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		attrs = append(attrs, SubjectAttribute{Name: SubjectAttributeNames[i], Value: v})
	}
	return attrs
}

// Map returns the populated attributes keyed by short name.
func (s Subject) Map() map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes() {
		m[a.Name] = a.Value
	}
	return m
}

// Merge returns s with every non-empty attribute of overrides applied on top.
func (s Subject) Merge(overrides Subject) Subject {
	for _, a := range overrides.Attributes() {
		s.set(a.Name, a.Value)
	}
	return s
}

// IsEmpty is true when no attribute is populated.
func (s Subject) IsEmpty() bool {
	return len(s.Attributes()) == 0
}

// Normalize trims whitespace and upper-cases the country code.
func (s Subject) Normalize() Subject {
	out := Subject{}
	for _, a := range s.Attributes() {
		v := strings.TrimSpace(a.Value)
		if a.Name == "C" {
			v = strings.ToUpper(v)
		}
		out.set(a.Name, v)
	}
	return out
}

// Validate checks the attribute values are encodable in the certificate.
func (s Subject) Validate(field string) error {
	for _, a := range s.Attributes() {
		f := field + "." + a.Name
		if !utf8.ValidString(a.Value) {
			return errdefs.Invalid(f, errdefs.CodeInvalidSubject, "value is not valid UTF-8")
		}
		if strings.IndexFunc(a.Value, unicode.IsControl) >= 0 {
			return errdefs.Invalid(f, errdefs.CodeInvalidSubject, "value contains control characters")
		}
		if limit := subjectMaxLen[a.Name]; utf8.RuneCountInString(a.Value) > limit {
			return errdefs.Invalid(f, errdefs.CodeInvalidSubject, "value exceeds %d characters", limit)
		}
		switch a.Name {
		case "C":
			if len(a.Value) != 2 || !isASCIILetters(a.Value) {
				return errdefs.Invalid(f, errdefs.CodeInvalidSubject, "country must be a 2-letter code")
			}
		case "emailAddress":
			// encoded as IA5String
			if !isASCII(a.Value) || !strings.Contains(a.Value, "@") {
				return errdefs.Invalid(f, errdefs.CodeInvalidSubject, "email address must be ASCII and contain @")
			}
		}
	}
	return nil
}

// String renders the subject in RDN order, e.g. "C=AU, O=Example, CN=api".
func (s Subject) String() string {
	attrs := s.Attributes()
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = a.Name + "=" + a.Value
	}
	return strings.Join(parts, ", ")
}

func isASCIILetters(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
