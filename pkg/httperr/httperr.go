// Package httperr defines the platform error taxonomy and the JSON envelope
// every service returns on failure.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Error codes form a closed, append-only set. User-facing messages are
// stable across releases; clients branch on the code, not the text.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeAuthentication   = "AUTHENTICATION_ERROR"
	CodeAuthorization    = "AUTHORIZATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeProxyError       = "PROXY_ERROR"
	CodeStorageService   = "STORAGE_SERVICE_ERROR"
	CodeInternal         = "INTERNAL_SERVER_ERROR"
	CodeNoProvider       = "NO_PROVIDER"
	CodeInvalidConfig    = "INVALID_CONFIG"
)

// Authentication sub-reasons carried in Details["reason"].
const (
	ReasonMissingToken = "MISSING_TOKEN"
	ReasonInvalidToken = "INVALID_TOKEN"
	ReasonTokenExpired = "TOKEN_EXPIRED"
)

// Error is a failure with a machine-readable code. It marshals to the
// platform envelope {error, message, timestamp, details?}.
type Error struct {
	Code    string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// envelope is the wire shape; timestamp is stamped at write time.
type envelope struct {
	Err       string         `json:"error"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation builds a 400 error listing the offending fields.
func Validation(message string, fields ...string) *Error {
	e := New(CodeValidation, message)
	if len(fields) > 0 {
		e.WithDetail("fields", fields)
	}
	return e
}

// Authentication builds a 401 error with a sub-reason.
func Authentication(reason string) *Error {
	return New(CodeAuthentication, "Authentication failed").WithDetail("reason", reason)
}

// StatusCode maps an error code to its HTTP status.
func StatusCode(code string) int {
	switch code {
	case CodeValidation, CodeNoProvider, CodeInvalidConfig:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProxyError, CodeStorageService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write writes the envelope for err. Unknown error types collapse into
// INTERNAL_SERVER_ERROR without leaking internals to the client.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(CodeInternal, "An internal error occurred")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(apiErr.Code))
	_ = json.NewEncoder(w).Encode(envelope{
		Err:       apiErr.Code,
		Message:   apiErr.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   apiErr.Details,
	})
}

// WriteCode is a shorthand for Write(w, New(code, message)).
func WriteCode(w http.ResponseWriter, code, message string) {
	Write(w, New(code, message))
}

// WriteJSON writes a success payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
