// Package domain provides the canonical types shared by every gateway stage:
// the error taxonomy, the tenant context and usage records.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind represents the category of a gateway-level failure.
type ErrorKind string

const (
	// KindUnauthenticated indicates a missing, malformed, invalid or expired credential.
	KindUnauthenticated ErrorKind = "unauthenticated"

	// KindInsufficientScope indicates a valid API key lacking the scope an operation requires.
	KindInsufficientScope ErrorKind = "insufficient_scope"

	// KindNoOrganization indicates a valid identity without a resolvable tenant.
	KindNoOrganization ErrorKind = "no_organization"

	// KindAuthServiceUnavailable indicates the identity or key validation service could not answer.
	KindAuthServiceUnavailable ErrorKind = "auth_service_unavailable"

	// KindRateLimited indicates an exhausted rate limit bucket.
	KindRateLimited ErrorKind = "rate_limited"

	// KindRouteNotFound indicates no downstream handler is registered for the path.
	KindRouteNotFound ErrorKind = "route_not_found"

	// KindPayloadTooLarge indicates a request body above the configured limit.
	KindPayloadTooLarge ErrorKind = "payload_too_large"

	// KindUpstreamTimeout indicates a downstream call exceeded its deadline.
	KindUpstreamTimeout ErrorKind = "upstream_timeout"

	// KindUpstreamUnavailable indicates the downstream handler could not be reached.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindDependencyUnavailable indicates a gateway dependency (bucket store) failed.
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"

	// KindTransformation indicates a transformation rule failed. It is recovered
	// internally and never returned to callers.
	KindTransformation ErrorKind = "transformation_error"

	// KindInternal indicates an unhandled failure.
	KindInternal ErrorKind = "internal"
)

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindUnauthenticated, KindNoOrganization:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindAuthServiceUnavailable, KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is a classified failure produced by a pipeline stage.
type GatewayError struct {
	// Kind is the category of error
	Kind ErrorKind

	// Message is the caller-safe message placed in the error envelope
	Message string

	// RetryAfter is set for KindRateLimited
	RetryAfter time.Duration

	// Cause is the underlying error, if any. It is never shown to callers.
	Cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for this error.
func (e *GatewayError) Status() int {
	return e.Kind.Status()
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (e *GatewayError) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// NewError creates a new gateway error.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// WithCause attaches the underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Cause = err
	return e
}

// WithRetryAfter sets the retry delay for rate limit errors.
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	e.RetryAfter = d
	return e
}

// Convenience constructors for common errors

// ErrUnauthenticated creates an authentication error.
func ErrUnauthenticated(message string) *GatewayError {
	return NewError(KindUnauthenticated, message)
}

// ErrInsufficientScope creates a scope error.
func ErrInsufficientScope(message string) *GatewayError {
	return NewError(KindInsufficientScope, message)
}

// ErrNoOrganization creates a missing tenant error.
func ErrNoOrganization() *GatewayError {
	return NewError(KindNoOrganization, "no organization found for user")
}

// ErrAuthServiceUnavailable creates an auth dependency error.
func ErrAuthServiceUnavailable(cause error) *GatewayError {
	return NewError(KindAuthServiceUnavailable, "authentication service unavailable").WithCause(cause)
}

// ErrRateLimited creates a rate limit error.
func ErrRateLimited(retryAfter time.Duration) *GatewayError {
	return NewError(KindRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
}

// ErrRouteNotFound creates a routing error.
func ErrRouteNotFound(path string) *GatewayError {
	return NewError(KindRouteNotFound, fmt.Sprintf("no route for %s", path))
}

// ErrUpstreamTimeout creates a timeout error.
func ErrUpstreamTimeout(what string, cause error) *GatewayError {
	return NewError(KindUpstreamTimeout, what+" timed out").WithCause(cause)
}

// ErrUpstreamUnavailable creates an unreachable upstream error.
func ErrUpstreamUnavailable(what string, cause error) *GatewayError {
	return NewError(KindUpstreamUnavailable, what+" unavailable").WithCause(cause)
}

// ErrPayloadTooLarge creates a body size error.
func ErrPayloadTooLarge(limit int64) *GatewayError {
	return NewError(KindPayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
}

// ErrInternal creates an unhandled error.
func ErrInternal(cause error) *GatewayError {
	return NewError(KindInternal, "internal server error").WithCause(cause)
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind == kind
	}
	return false
}

// AsGatewayError classifies any error. Deadline errors become
// KindUpstreamTimeout and everything unclassified becomes KindInternal.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout("request", err)
	}
	return ErrInternal(err)
}
