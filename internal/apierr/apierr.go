// Package apierr holds the partner API error taxonomy: stable codes, their
// HTTP statuses and the error object rendered inside the response envelope.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidAPIKey           Code = "invalid_api_key"
	CodeExpiredAPIKey           Code = "expired_api_key"
	CodeInsufficientPermissions Code = "insufficient_permissions"
	CodeNotFound                Code = "not_found"
	CodeConflict                Code = "conflict"
	CodePayloadTooLarge         Code = "payload_too_large"
	CodeRateLimitExceeded       Code = "rate_limit_exceeded"
	CodeQuotaExceeded           Code = "quota_exceeded"
	CodeInvalidRequest          Code = "invalid_request"
	CodeValidationError         Code = "validation_error"
	CodeSecurityValidation      Code = "security_validation_failed"
	CodeServiceUnavailable      Code = "service_unavailable"
	CodeInternal                Code = "internal_error"
)

var statusByCode = map[Code]int{
	CodeInvalidAPIKey:           http.StatusUnauthorized,
	CodeExpiredAPIKey:           http.StatusUnauthorized,
	CodeInsufficientPermissions: http.StatusForbidden,
	CodeNotFound:                http.StatusNotFound,
	CodeConflict:                http.StatusConflict,
	CodePayloadTooLarge:         http.StatusRequestEntityTooLarge,
	CodeRateLimitExceeded:       http.StatusTooManyRequests,
	CodeQuotaExceeded:           http.StatusTooManyRequests,
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeValidationError:         http.StatusBadRequest,
	CodeSecurityValidation:      http.StatusBadRequest,
	CodeServiceUnavailable:      http.StatusServiceUnavailable,
	CodeInternal:                http.StatusInternalServerError,
}

// Codes lists every taxonomy code.
func Codes() []Code {
	return []Code{
		CodeInvalidAPIKey, CodeExpiredAPIKey, CodeInsufficientPermissions,
		CodeNotFound, CodeConflict, CodePayloadTooLarge,
		CodeRateLimitExceeded, CodeQuotaExceeded,
		CodeInvalidRequest, CodeValidationError, CodeSecurityValidation,
		CodeServiceUnavailable, CodeInternal,
	}
}

// Status returns the HTTP status for c; unknown codes map to 500.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (c Code) String() string { return string(c) }

// Security reports whether the code denotes a detected attack shape.
func (c Code) Security() bool { return c == CodeSecurityValidation }

// Error is a taxonomy failure. Message is safe to show to callers.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Status() int { return e.Code.Status() }

// WithDetail returns a copy of e with key=value added to details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrap attaches an internal cause that is logged but never rendered.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidAPIKey(msg string) *Error { return New(CodeInvalidAPIKey, msg) }

func ExpiredAPIKey() *Error { return New(CodeExpiredAPIKey, "API key has expired") }

func InsufficientPermissions(missing []string) *Error {
	return New(CodeInsufficientPermissions, "API key lacks required permissions").
		WithDetail("missing", missing)
}

func NotFound(what string) *Error { return Newf(CodeNotFound, "%s not found", what) }

func Conflict(msg string) *Error { return New(CodeConflict, msg) }

func PayloadTooLarge(limit int64) *Error {
	return New(CodePayloadTooLarge, "Request payload too large").WithDetail("max_bytes", limit)
}

func RateLimitExceeded() *Error { return New(CodeRateLimitExceeded, "Rate limit exceeded") }

func InvalidRequest(msg string) *Error { return New(CodeInvalidRequest, msg) }

func SecurityValidation(msg string) *Error { return New(CodeSecurityValidation, msg) }

func ServiceUnavailable(msg string) *Error { return New(CodeServiceUnavailable, msg) }

// Internal never carries the underlying message to the caller.
func Internal(cause error) *Error {
	return New(CodeInternal, "An internal error occurred").Wrap(cause)
}

// From maps any error to the taxonomy; non-taxonomy errors become internal_error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
