// Package resilience provides the shared retry, backoff, circuit breaker,
// rate limiter, and worker pool machinery that governs every provider call.
package resilience

import (
	"context"
	"errors"

	"github.com/itsneelabh/llmrouter/core"
)

// ErrorClass buckets an upstream failure for retry and breaker decisions.
type ErrorClass string

const (
	ClassRetryable5xx            ErrorClass = "retryable_5xx"
	ClassRateLimited             ErrorClass = "rate_limited"
	ClassTimeout                 ErrorClass = "timeout"
	ClassAuth                    ErrorClass = "auth"
	ClassInvalidRequest          ErrorClass = "invalid_request"
	ClassGroundingRequiredFailed ErrorClass = "grounding_required_failed"
	ClassOther                   ErrorClass = "other"
)

// Retryable reports whether the class may be re-attempted.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRetryable5xx, ClassTimeout, ClassRateLimited:
		return true
	}
	return false
}

// Classify maps an error to its retry class. Adapters produce GatewayError
// values, so classification is driven by the taxonomy kind first and the
// upstream HTTP status second.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ge *core.GatewayError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case core.ErrKindRateLimited, core.ErrKindRateLimitedQuota:
			return ClassRateLimited
		case core.ErrKindTimeout:
			return ClassTimeout
		case core.ErrKindVendorAuth:
			return ClassAuth
		case core.ErrKindInvalidRequest, core.ErrKindModelNotAllowed, core.ErrKindGroundedJSONUnsupported:
			return ClassInvalidRequest
		case core.ErrKindGroundingRequiredFailed, core.ErrKindGroundingNotSupported:
			return ClassGroundingRequiredFailed
		case core.ErrKindServiceUnavailable:
			return ClassRetryable5xx
		}
		if ge.UpstreamStatus >= 500 {
			return ClassRetryable5xx
		}
		if ge.UpstreamStatus == 429 {
			return ClassRateLimited
		}
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassOther
}
