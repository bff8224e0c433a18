// Package errcode defines the gateway's error taxonomy. Admission denials,
// provider failures, and storage faults are all carried as *Error values so
// that the executor can decide retryability without string matching, and so
// that persisted job rows and webhook payloads can be filtered by code.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes persisted to job rows and surfaced in webhook payloads.
const (
	InvalidRequest    = "INVALID_REQUEST"
	InvalidAPIKey     = "INVALID_API_KEY"
	RateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ServiceOverload   = "SERVICE_OVERLOAD"
	ServerError       = "SERVER_ERROR"
	GeminiError       = "GEMINI_ERROR"

	GlobalRateLimit = "GLOBAL_RATE_LIMIT"
	GlobalConcLimit = "GLOBAL_CONC_LIMIT"
	KeyRateLimit    = "KEY_RATE_LIMIT"
	KeyConcLimit    = "KEY_CONC_LIMIT"
	TenantRateLimit = "TENANT_RATE_LIMIT"
	TenantConcLimit = "TENANT_CONC_LIMIT"

	NoProviderKeyAvailable = "NO_PROVIDER_KEY_AVAILABLE"
	NoImages               = "NO_IMAGES"
	StorageError           = "STORAGE_ERROR"
	UnknownError           = "UNKNOWN_ERROR"

	// Codes surfaced only by the HTTP layer, never persisted to job rows.
	Unauthorized = "UNAUTHORIZED"
	NotFound     = "NOT_FOUND"
	InvalidState = "INVALID_STATE"
)

// Error is a classified gateway failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with retryability derived from the code table.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable(code)}
}

// Newf is New with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap classifies an arbitrary error, preserving an existing *Error.
func Wrap(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return New(fallbackCode, err.Error())
}

// AsError extracts an *Error from an error chain, defaulting to UNKNOWN_ERROR.
func AsError(err error) *Error {
	return Wrap(err, UnknownError)
}

func retryable(code string) bool {
	switch code {
	case InvalidRequest, InvalidAPIKey, NoImages, Unauthorized, NotFound, InvalidState:
		return false
	}
	return true
}

// FromHTTPStatus classifies an upstream provider response status.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == http.StatusBadRequest:
		return New(InvalidRequest, message)
	case status == http.StatusUnauthorized:
		return New(InvalidAPIKey, message)
	case status == http.StatusTooManyRequests:
		return New(RateLimitExceeded, message)
	case status == http.StatusServiceUnavailable:
		return New(ServiceOverload, message)
	case status >= 500:
		return New(ServerError, message)
	default:
		return New(GeminiError, fmt.Sprintf("unexpected status %d: %s", status, message))
	}
}

// CredentialFault reports whether the failure should count against the
// credential's health (as opposed to gateway-side admission denials, which
// say nothing about the upstream key).
func CredentialFault(e *Error) bool {
	switch e.Code {
	case InvalidAPIKey, RateLimitExceeded, ServiceOverload, ServerError, GeminiError:
		return true
	}
	return false
}
