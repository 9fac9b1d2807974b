// Package apierr defines the error taxonomy surfaced by the poster API.
// Every error carries a stable machine-readable kind and an HTTP status; the
// HTTP layer maps errors via the Status method and never exposes wrapped
// internal detail to the caller.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a category of failure.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindNotFound            Kind = "not_found"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRenderFailure       Kind = "render_failure"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindRateLimited:         http.StatusTooManyRequests,
	KindNotFound:            http.StatusNotFound,
	KindProviderUnavailable: http.StatusBadGateway,
	KindRenderFailure:       http.StatusInternalServerError,
}

// Error is a categorised failure. Message is safe for clients; the wrapped
// cause is for logs only.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfterSeconds is a hint for rate-limited responses; zero when not
	// applicable.
	RetryAfterSeconds int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code and the client-safe message.
func (e *Error) Status() (int, string) {
	status, ok := statusByKind[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, e.Message
}

// New creates an error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping an internal cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// InvalidRequest is a 400 with the supplied client message.
func InvalidRequest(message string) *Error {
	return New(KindInvalidRequest, message)
}

// Unauthorized is a 401. The cause is retained for logging only.
func Unauthorized(cause error) *Error {
	return Wrap(KindUnauthorized, "credential missing or invalid", cause)
}

// RateLimited is a 429 carrying a retry-after hint.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// NotFound is a 404 with the supplied client message.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// ProviderUnavailable is a 502 raised after the retry budget for an upstream
// provider is exhausted.
func ProviderUnavailable(cause error) *Error {
	return Wrap(KindProviderUnavailable, "upstream provider unavailable", cause)
}

// RenderFailure is a 500; the client message is deliberately generic.
func RenderFailure(cause error) *Error {
	return Wrap(KindRenderFailure, "poster rendering failed", cause)
}

// KindOf returns the kind of err, or an empty Kind when err is not an
// apierr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an apierr.Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
