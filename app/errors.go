// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"encoding/json"
	"net/http"

	"github.com/soothill/switchmeter/pkg/logger"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeValidation   = "validation_error"
	ErrCodeNotFound     = "not_found"
	ErrCodeExists       = "already_exists"
	ErrCodeInconsistent = "inconsistent_state"
	ErrCodeConflict     = "conflict"
	ErrCodeDispatch     = "dispatch_failed"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeDomainError maps engine errors onto HTTP statuses. Internal details
// of storage failures are logged, not returned.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apperrors.IsValidationError(err):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case apperrors.Is(err, apperrors.ErrSwitchNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "switch not found")
	case apperrors.Is(err, apperrors.ErrSwitchExists):
		writeError(w, http.StatusConflict, ErrCodeExists, "switch already exists")
	case apperrors.IsInconsistentStateError(err):
		writeError(w, http.StatusConflict, ErrCodeInconsistent, err.Error())
	case apperrors.IsConflictError(err):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
