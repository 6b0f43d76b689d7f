// Package errdefs defines the error taxonomy shared by the key lifecycle engine.
// Callers classify failures with errors.Is against the sentinels below; the
// HTTP adapter maps each class to a status code.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for each class of failure
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrCancelled  = errors.New("cancelled")

	// ErrAlreadyExists and ErrAlreadyRevoked are conflicts.
	ErrAlreadyExists  = fmt.Errorf("already exists: %w", ErrConflict)
	ErrAlreadyRevoked = fmt.Errorf("already revoked: %w", ErrConflict)
)

// Validation codes reported in ValidationError.Code.
const (
	CodeInvalidGroupCode         = "invalid_group_code"
	CodeUnknownUsageType         = "unknown_usage_type"
	CodeUnknownKeyUsage          = "unknown_key_usage"
	CodeUnknownExtKeyUsage       = "unknown_ext_key_usage"
	CodeUnsupportedKeyType       = "unsupported_key_type"
	CodeUnsupportedKeySize       = "unsupported_key_size"
	CodeUnsupportedCurve         = "unsupported_curve"
	CodeInvalidRotationThreshold = "invalid_rotation_threshold"
	CodeInvalidSubject           = "invalid_subject"
	CodeInvalidValidDays         = "invalid_valid_days"
	CodeInvalidCSR               = "invalid_csr"
	CodeInvalidPEM               = "invalid_pem"
	CodeInvalidPayload           = "invalid_payload"
	CodeInvalidPayloadEncoding   = "invalid_payload_encoding"
	CodeInvalidFilter            = "invalid_filter"
	CodeNoIssuer                 = "no_issuer"
	CodeGroupMismatch            = "group_mismatch"
	CodeRequired                 = "required"
	CodeInvalidRequest           = "invalid_request"
)

// ValidationError reports malformed input along with the offending field.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

// Invalid builds a ValidationError for field with the given code.
func Invalid(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// AsValidation extracts a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// FromContext normalises context cancellation and deadline errors to ErrCancelled,
// returning any other error unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}
