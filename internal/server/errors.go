package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// StatusClientClosedRequest is the non-standard status for a request the
// client abandoned.
const StatusClientClosedRequest = 499

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure. Code is a validation code for 400s and
// the error class otherwise.
type ErrorDetail struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// errorStatus maps the errdefs taxonomy to an HTTP status and error class.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errdefs.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errdefs.ErrAlreadyRevoked):
		return http.StatusConflict, "already_revoked"
	case errors.Is(err, errdefs.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, errdefs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errdefs.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errdefs.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, class := errorStatus(err)

	detail := ErrorDetail{Code: class, Message: err.Error()}
	if ve, ok := errdefs.AsValidation(err); ok {
		detail = ErrorDetail{Code: ve.Code, Field: ve.Field, Message: ve.Message}
	}

	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
		if status == http.StatusInternalServerError {
			detail.Message = "internal error"
		}
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}

	writeJSON(w, status, ErrorResponse{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
