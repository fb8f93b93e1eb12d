// Package thinkerr defines the provider-neutral error taxonomy every
// adapter classifies into and every engine inspects to decide whether a
// failure is worth retrying.
package thinkerr

import (
	"errors"
	"fmt"
)

// Kind is one of the seven provider-neutral error categories.
type Kind string

const (
	Auth            Kind = "auth"
	InvalidRequest  Kind = "invalid_request"
	NotFound        Kind = "not_found"
	RateLimit       Kind = "rate_limit"
	Timeout         Kind = "timeout"
	Server          Kind = "server"
	Generic         Kind = "generic"
)

// HTTPStatus maps a Kind to the status code an HTTP-facing caller would use
// to surface it.
func (k Kind) HTTPStatus() int {
	switch k {
	case Auth:
		return 401
	case InvalidRequest:
		return 400
	case NotFound:
		return 404
	case RateLimit:
		return 429
	case Timeout:
		return 504
	case Server:
		return 502
	default:
		return 502
	}
}

// Retryable reports whether errors of this kind are worth retrying with
// backoff. Only RateLimit, Timeout and Server ever are.
func (k Kind) Retryable() bool {
	return k == RateLimit || k == Timeout || k == Server
}

// Error is the structured payload the engine surfaces on failure:
// {message, type, code, provider, details?}.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Details  map[string]any
	Cause    error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the original transport/SDK error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap classifies an existing error, preserving it as the nested cause.
func Wrap(kind Kind, provider string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Provider: provider, Message: msg, Cause: cause}
}

// WithDetails attaches structured details (e.g. a retry-after hint) and
// returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise it returns Generic.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Generic
}

// IsRetryable reports whether err should be retried, per the taxonomy's
// retry column. Errors that aren't classified at all are not retried —
// only classified RateLimit/Timeout/Server errors are.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind.Retryable()
	}
	return false
}
