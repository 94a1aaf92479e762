// Package httpserver contains HTTP handlers, auth, and middleware for the
// job API, plus the WebSocket progress stream.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
	"github.com/fairyhunter13/comfy-queue/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusUnprocessableEntity
		code = "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
		code = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CANNOT_CANCEL"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusPaymentRequired
		code = "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrKVUnavailable):
		status = http.StatusServiceUnavailable
		code = "BACKEND_UNAVAILABLE"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   err.Error(),
		Details:   details,
		RequestID: observability.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}
