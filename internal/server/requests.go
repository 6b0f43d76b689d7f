package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/models"
)

const maxBodyBytes = 1 << 20

// KeyPolicyRequest is the JSON form of a key policy.
type KeyPolicyRequest struct {
	KeyType  string `json:"keyType" validate:"required"`
	KeySize  int    `json:"keySize,omitempty"`
	KeyCurve string `json:"keyCurve,omitempty"`
}

func (k KeyPolicyRequest) policy() models.KeyPolicy {
	return models.KeyPolicy{Type: models.KeyType(k.KeyType), Size: k.KeySize, Curve: models.Curve(k.KeyCurve)}
}

// GroupRequest creates or replaces a group. ValidDays defaults to
// models.DefaultValidDays when omitted; an explicit 0 means unlimited.
type GroupRequest struct {
	GroupCode             string            `json:"groupCode"`
	DisplayName           string            `json:"displayName,omitempty"`
	UsageType             string            `json:"usageType" validate:"required"`
	KeyPolicy             KeyPolicyRequest  `json:"keyPolicy"`
	SubjectTemplate       map[string]string `json:"subjectTemplate,omitempty"`
	AutoRotate            bool              `json:"autoRotate"`
	RotationThresholdDays int               `json:"rotationThresholdDays"`
	ValidDays             *int              `json:"validDays,omitempty"`
	KeyUsage              []string          `json:"keyUsage,omitempty"`
	ExtendedKeyUsage      []string          `json:"extendedKeyUsage,omitempty"`
}

func (g *GroupRequest) group() (*models.Group, error) {
	subject, err := models.SubjectFromMap(g.SubjectTemplate)
	if err != nil {
		return nil, err
	}
	keyUsage, extKeyUsage, err := parseUsages(g.KeyUsage, g.ExtendedKeyUsage)
	if err != nil {
		return nil, err
	}

	return &models.Group{
		Code:                  g.GroupCode,
		DisplayName:           g.DisplayName,
		UsageType:             models.UsageType(g.UsageType),
		KeyPolicy:             g.KeyPolicy.policy(),
		Subject:               subject,
		AutoRotate:            g.AutoRotate,
		RotationThresholdDays: g.RotationThresholdDays,
		ValidDays:             validDaysOrDefault(g.ValidDays),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           extKeyUsage,
	}, nil
}

// IssueRequest overrides group policy for a single issuance.
type IssueRequest struct {
	ValidDays        *int              `json:"validDays,omitempty" validate:"omitempty,min=0"`
	Subject          map[string]string `json:"subject,omitempty"`
	KeyUsage         []string          `json:"keyUsage,omitempty"`
	ExtendedKeyUsage []string          `json:"extendedKeyUsage,omitempty"`
}

func (i *IssueRequest) options() (lifecycle.IssueOptions, error) {
	subject, err := models.SubjectFromMap(i.Subject)
	if err != nil {
		return lifecycle.IssueOptions{}, err
	}
	keyUsage, extKeyUsage, err := parseUsages(i.KeyUsage, i.ExtendedKeyUsage)
	if err != nil {
		return lifecycle.IssueOptions{}, err
	}
	return lifecycle.IssueOptions{
		ValidDays:   i.ValidDays,
		Subject:     subject,
		KeyUsage:    keyUsage,
		ExtKeyUsage: extKeyUsage,
	}, nil
}

// GenerateKeyRequest asks for an ad-hoc key pair and optionally a CSR.
type GenerateKeyRequest struct {
	Subject          map[string]string `json:"subject" validate:"required"`
	UsageType        string            `json:"usageType" validate:"required"`
	KeyPolicy        KeyPolicyRequest  `json:"keyPolicy"`
	MakeCSR          bool              `json:"makeCsr"`
	ValidDays        *int              `json:"validDays,omitempty" validate:"omitempty,min=0"`
	KeyUsage         []string          `json:"keyUsage,omitempty"`
	ExtendedKeyUsage []string          `json:"extendedKeyUsage,omitempty"`
}

func (g *GenerateKeyRequest) request() (lifecycle.GenerateRequest, error) {
	subject, err := models.SubjectFromMap(g.Subject)
	if err != nil {
		return lifecycle.GenerateRequest{}, err
	}
	keyUsage, extKeyUsage, err := parseUsages(g.KeyUsage, g.ExtendedKeyUsage)
	if err != nil {
		return lifecycle.GenerateRequest{}, err
	}
	return lifecycle.GenerateRequest{
		Subject:     subject,
		UsageType:   models.UsageType(g.UsageType),
		KeyPolicy:   g.KeyPolicy.policy(),
		MakeCSR:     g.MakeCSR,
		ValidDays:   validDaysOrDefault(g.ValidDays),
		KeyUsage:    keyUsage,
		ExtKeyUsage: extKeyUsage,
	}, nil
}

// SignCSRRequest asks for a CSR to be signed, by a group or the ad-hoc issuer.
type SignCSRRequest struct {
	CSRPEM           string   `json:"csrPem" validate:"required"`
	UsageType        string   `json:"usageType,omitempty"`
	GroupCode        string   `json:"groupCode,omitempty"`
	ValidDays        *int     `json:"validDays,omitempty" validate:"omitempty,min=0"`
	KeyUsage         []string `json:"keyUsage,omitempty"`
	ExtendedKeyUsage []string `json:"extendedKeyUsage,omitempty"`
}

func (s *SignCSRRequest) request() (lifecycle.SignCSRRequest, error) {
	keyUsage, extKeyUsage, err := parseUsages(s.KeyUsage, s.ExtendedKeyUsage)
	if err != nil {
		return lifecycle.SignCSRRequest{}, err
	}
	return lifecycle.SignCSRRequest{
		CSRPEM:      s.CSRPEM,
		UsageType:   models.UsageType(s.UsageType),
		GroupCode:   s.GroupCode,
		ValidDays:   validDaysOrDefault(s.ValidDays),
		KeyUsage:    keyUsage,
		ExtKeyUsage: extKeyUsage,
	}, nil
}

// SignPayloadRequest signs a payload with a group key. An empty kid selects
// the group's current signing key. Payload must be present; "" signs zero bytes.
type SignPayloadRequest struct {
	Kid             string  `json:"kid,omitempty"`
	Payload         *string `json:"payload" validate:"required"`
	PayloadEncoding string  `json:"payloadEncoding,omitempty" validate:"omitempty,oneof=base64 base64url"`
}

// RevokeRequest carries an optional revocation reason.
type RevokeRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Certificates []*models.Certificate `json:"certificates"`
	Count        int                   `json:"count"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func validDaysOrDefault(v *int) int {
	if v == nil {
		return models.DefaultValidDays
	}
	return *v
}

func parseUsages(ku, eku []string) ([]models.KeyUsage, []models.ExtKeyUsage, error) {
	keyUsage, err := models.ParseKeyUsages("keyUsage", ku)
	if err != nil {
		return nil, nil, err
	}
	extKeyUsage, err := models.ParseExtKeyUsages("extendedKeyUsage", eku)
	if err != nil {
		return nil, nil, err
	}
	return keyUsage, extKeyUsage, nil
}

// newValidator reports JSON field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// tagCodes maps validator tags to validation codes where a domain code fits
// better than the generic invalid_request.
var tagCodes = map[string]string{
	"required": errdefs.CodeRequired,
}

// fieldCodes maps JSON field names to the domain code for a failed constraint.
var fieldCodes = map[string]string{
	"validDays":       errdefs.CodeInvalidValidDays,
	"payloadEncoding": errdefs.CodeInvalidPayloadEncoding,
}

// decode reads a JSON body into dst and runs struct validation. An empty body
// decodes as the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errdefs.Invalid("", errdefs.CodeInvalidRequest, "request body exceeds %d bytes", maxErr.Limit)
		}
		return errdefs.Invalid("", errdefs.CodeInvalidRequest, "malformed JSON body: %v", err)
	}

	return s.validateStruct(dst)
}

func (s *Server) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("failed to validate request: %w", err)
	}

	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(v).Elem().Name()+".")
	code := errdefs.CodeInvalidRequest
	if c, ok := tagCodes[fe.Tag()]; ok {
		code = c
	} else if c, ok := fieldCodes[fe.Field()]; ok {
		code = c
	}

	return errdefs.Invalid(field, code, "failed %q constraint", fe.Tag())
}
