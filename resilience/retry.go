package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// RetryConfig configures the retry/backoff engine.
type RetryConfig struct {
	// MaxAttempts is the total number of upstream attempts (1 initial + retries).
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: base * 2^(n-1).
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
	// QuotaAfter429s converts that many consecutive 429s into
	// RATE_LIMITED_QUOTA, which is not retried further.
	QuotaAfter429s int

	Logger  core.Logger
	Metrics MetricsCollector

	// Rand is the jitter source; seam for tests.
	Rand func() float64
	// Sleep is the delay primitive; seam for tests. Must honor ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the production policy: 4 attempts, 0.5s base.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		QuotaAfter429s: 3,
	}
}

func (c *RetryConfig) withDefaults() *RetryConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 500 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 10 * time.Second
	}
	if out.QuotaAfter429s <= 0 {
		out.QuotaAfter429s = 3
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &noopMetrics{}
	}
	if out.Rand == nil {
		out.Rand = rand.Float64
	}
	if out.Sleep == nil {
		out.Sleep = sleepContext
	}
	return &out
}

// Attempt records one upstream attempt for telemetry.
type Attempt struct {
	Index          int
	Delay          time.Duration
	UpstreamStatus int
	Class          ErrorClass
	Err            string
}

// CallFunc performs one upstream attempt.
type CallFunc func(ctx context.Context, attempt int) error

// Engine drives classified retries against one circuit breaker.
type Engine struct {
	config *RetryConfig
}

// NewEngine creates a retry engine.
func NewEngine(config *RetryConfig) *Engine {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &Engine{config: config.withDefaults()}
}

// Execute runs fn with retry, backoff, and breaker bookkeeping. The
// messages slice is hashed before the first attempt and re-verified before
// every retry: prompt and model mutation mid-call is a contract violation,
// not a recoverable condition.
//
// Retries share the caller's deadline; the engine never extends it.
func (e *Engine) Execute(ctx context.Context, breaker *CircuitBreaker, messages []core.Message, fn CallFunc) ([]Attempt, error) {
	cfg := e.config
	digest := core.MessagesDigest(messages)
	attempts := make([]Attempt, 0, cfg.MaxAttempts)

	var lastErr error
	var delay time.Duration
	consecutive429 := 0

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, contextError(err)
		}
		if core.MessagesDigest(messages) != digest {
			return attempts, core.NewGatewayError(core.ErrKindInternal, "resilience.Execute",
				"messages mutated between attempts; aborting call")
		}

		if breaker != nil {
			allowed, state := breaker.Allow()
			if !allowed {
				cfg.Logger.Warn("Attempt short-circuited by breaker", map[string]interface{}{
					"operation": "retry_breaker_reject",
					"attempt":   attempt,
					"state":     state.String(),
				})
				return attempts, breaker.OpenError()
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			if attempt > 1 {
				cfg.Logger.Info("Upstream call recovered after retry", map[string]interface{}{
					"operation":      "retry_recovery",
					"total_attempts": attempt,
				})
			}
			return attempts, nil
		}

		class := Classify(err)
		status := core.UpstreamStatusOf(err)
		attempts = append(attempts, Attempt{
			Index:          attempt,
			Delay:          delay,
			UpstreamStatus: status,
			Class:          class,
			Err:            err.Error(),
		})
		cfg.Metrics.RecordAttempt(class == ClassRetryable5xx || class == ClassTimeout || class == ClassRateLimited)
		lastErr = err

		if breaker != nil {
			breaker.RecordFailure(class)
		}

		if class == ClassRateLimited {
			consecutive429++
		} else {
			consecutive429 = 0
		}

		switch {
		case class == ClassAuth, class == ClassInvalidRequest,
			class == ClassGroundingRequiredFailed, class == ClassOther:
			// Terminal: surface immediately.
			return attempts, err
		case class == ClassRateLimited && consecutive429 >= cfg.QuotaAfter429s:
			return attempts, &core.GatewayError{
				Kind:           core.ErrKindRateLimitedQuota,
				Op:             "resilience.Execute",
				Message:        fmt.Sprintf("%d consecutive 429s; treating as quota exhaustion", consecutive429),
				UpstreamStatus: status,
				Err:            err,
			}
		case attempt == cfg.MaxAttempts:
			return attempts, lastErr
		}

		delay = e.nextDelay(attempt, err)
		cfg.Logger.Warn("Upstream call failed, retrying", map[string]interface{}{
			"operation":      "retry_wait",
			"attempt":        attempt,
			"max_attempts":   cfg.MaxAttempts,
			"error_class":    string(class),
			"upstream_status": status,
			"retry_delay_ms": delay.Milliseconds(),
			"error":          err.Error(),
		})
		if err := cfg.Sleep(ctx, delay); err != nil {
			return attempts, contextError(err)
		}
	}
	return attempts, lastErr
}

// nextDelay computes the backoff for the retry after the given attempt.
// A Retry-After hint on 429s wins over the computed backoff.
func (e *Engine) nextDelay(attempt int, err error) time.Duration {
	cfg := e.config
	var ge *core.GatewayError
	if errors.As(err, &ge) && ge.RetryAfter > 0 {
		return ge.RetryAfter
	}
	delay := cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// Uniform jitter in [0, 0.5*delay].
	jitter := time.Duration(cfg.Rand() * 0.5 * float64(delay))
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextError(err error) error {
	if err == context.DeadlineExceeded {
		return core.WrapGatewayError(core.ErrKindTimeout, "resilience.Execute", err)
	}
	return core.WrapGatewayError(core.ErrKindCancelled, "resilience.Execute", err)
}
