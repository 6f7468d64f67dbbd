package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error codes carried in ErrorResponse. Clients surface "code: message".
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeTooLarge     = "too_large"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError as {"error": {...}}.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "status", status, "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: msg}})
}
