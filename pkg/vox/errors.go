// Package vox defines the canonical error taxonomy shared by the session
// engine and the asset pipeline, and the translation of low-level failures
// into short operator-facing sentences.
package vox

import (
	"fmt"
)

// ErrorType categorizes failures.
type ErrorType string

const (
	ErrPrecondition ErrorType = "precondition_error"
	ErrPermission   ErrorType = "permission_error"
	ErrRateLimit    ErrorType = "rate_limit_error"
	ErrQuota        ErrorType = "quota_error"
	ErrNetwork      ErrorType = "network_error"
	ErrSafety       ErrorType = "safety_error"
	ErrEmpty        ErrorType = "empty_response_error"
	ErrMalformed    ErrorType = "malformed_data_error"
	ErrAPI          ErrorType = "api_error"
)

// Error is the canonical error carried through the engine.
type Error struct {
	Type    ErrorType
	Message string
	Code    string
	Status  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsRetryable reports whether the failure is worth another attempt.
// Rate limits and server-side failures retry; everything else fails fast.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrRateLimit, ErrNetwork:
		return true
	case ErrAPI:
		return e.Status == 0 || e.Status == 429 || e.Status >= 500
	default:
		return false
	}
}

// NewPreconditionError creates a precondition failure (missing credential,
// microphone permission denied). Never retried.
func NewPreconditionError(message string) *Error {
	return &Error{Type: ErrPrecondition, Message: message}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message, Status: 429}
}

// NewQuotaError creates a quota/billing error.
func NewQuotaError(message string) *Error {
	return &Error{Type: ErrQuota, Message: message}
}

// NewNetworkError creates a transient network error.
func NewNetworkError(message string) *Error {
	return &Error{Type: ErrNetwork, Message: message}
}

// NewAPIError creates a generic API error carrying an HTTP-ish status.
func NewAPIError(message string, status int) *Error {
	return &Error{Type: ErrAPI, Message: message, Status: status}
}

// NewSafetyError creates a content-policy rejection. Never retried.
func NewSafetyError(message string) *Error {
	return &Error{Type: ErrSafety, Message: message}
}

// NewEmptyError reports a response that arrived without usable content.
func NewEmptyError(message string) *Error {
	return &Error{Type: ErrEmpty, Message: message}
}

// NewMalformedError reports a payload the other side could not or did not
// produce in the expected shape.
func NewMalformedError(message string) *Error {
	return &Error{Type: ErrMalformed, Message: message}
}

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake) while dialing or using the duplex link.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
