package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the surface-able error taxonomy. Adapters translate raw
// upstream failures into exactly one kind; the router never leaks anything
// else to the caller.
type ErrorKind string

const (
	ErrKindInvalidRequest          ErrorKind = "INVALID_REQUEST"
	ErrKindModelNotAllowed         ErrorKind = "MODEL_NOT_ALLOWED"
	ErrKindVendorAuth              ErrorKind = "VENDOR_AUTH_ERROR"
	ErrKindRateLimited             ErrorKind = "RATE_LIMITED"
	ErrKindRateLimitedQuota        ErrorKind = "RATE_LIMITED_QUOTA"
	ErrKindServiceUnavailable      ErrorKind = "SERVICE_UNAVAILABLE_UPSTREAM"
	ErrKindTimeout                 ErrorKind = "TIMEOUT"
	ErrKindGroundingRequiredFailed ErrorKind = "GROUNDING_REQUIRED_FAILED"
	ErrKindGroundingNotSupported   ErrorKind = "GROUNDING_NOT_SUPPORTED"
	ErrKindGroundedJSONUnsupported ErrorKind = "GROUNDED_JSON_UNSUPPORTED"
	ErrKindEmptyCompletion         ErrorKind = "EMPTY_COMPLETION"
	ErrKindCancelled               ErrorKind = "CANCELLED"
	ErrKindALSBlockTooLong         ErrorKind = "ALS_BLOCK_TOO_LONG"
	ErrKindInternal                ErrorKind = "INTERNAL_ERROR"
)

// Sentinel errors for comparison with errors.Is().
var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrLimiterBypassed    = errors.New("rate limiter wait exceeded bounded timeout")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Kind           ErrorKind // Taxonomy kind surfaced to the caller
	Op             string    // Operation that failed (e.g., "openai.Complete")
	Message        string    // Human-readable message with remediation hints
	Retryable      bool      // Whether the retry engine may re-attempt
	UpstreamStatus int       // HTTP status from the vendor, when known
	RetryAfter     time.Duration // Parsed Retry-After hint on 429s, when present
	RecordID       string    // Telemetry record id for correlation
	Err            error     // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *GatewayError) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a GatewayError with the given kind and message.
func NewGatewayError(kind ErrorKind, op, message string) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Message: message, Retryable: kindRetryable(kind)}
}

// WrapGatewayError wraps err with a kind and operation.
func WrapGatewayError(kind ErrorKind, op string, err error) *GatewayError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &GatewayError{Kind: kind, Op: op, Message: msg, Err: err, Retryable: kindRetryable(kind)}
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindServiceUnavailable, ErrKindTimeout, ErrKindRateLimited:
		return true
	}
	return false
}

// KindOf extracts the taxonomy kind from an arbitrary error. Context
// cancellation and deadline expiry map to CANCELLED and TIMEOUT; anything
// unrecognized is INTERNAL_ERROR.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return ErrKindServiceUnavailable
	}
	return ErrKindInternal
}

// IsRetryable reports whether the retry engine may re-attempt after err.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// UpstreamStatusOf extracts the vendor HTTP status from err, or 0.
func UpstreamStatusOf(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.UpstreamStatus
	}
	return 0
}
