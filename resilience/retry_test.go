package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/llmrouter/core"
)

func instantSleepConfig() (*RetryConfig, *[]time.Duration) {
	slept := &[]time.Duration{}
	cfg := DefaultRetryConfig()
	cfg.Rand = func() float64 { return 0 } // no jitter
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return cfg, slept
}

func upstream5xx(status int) error {
	return &core.GatewayError{
		Kind:           core.ErrKindServiceUnavailable,
		Op:             "test",
		Message:        "upstream unavailable",
		Retryable:      true,
		UpstreamStatus: status,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg, slept := instantSleepConfig()
	engine := NewEngine(cfg)

	calls := 0
	attempts, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return upstream5xx(503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, attempts, 2)
	// Exponential: 0.5s then 1s with zero jitter.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestRetryCapAtFourAttempts(t *testing.T) {
	cfg, _ := instantSleepConfig()
	engine := NewEngine(cfg)

	calls := 0
	attempts, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		return upstream5xx(502)
	})
	require.Error(t, err)
	// No more than 4 upstream attempts.
	assert.Equal(t, 4, calls)
	assert.Len(t, attempts, 4)
	assert.Equal(t, core.ErrKindServiceUnavailable, core.KindOf(err))
}

func TestRetryTerminalClassesSurfaceImmediately(t *testing.T) {
	for _, kind := range []core.ErrorKind{
		core.ErrKindVendorAuth,
		core.ErrKindInvalidRequest,
		core.ErrKindGroundingRequiredFailed,
	} {
		cfg, _ := instantSleepConfig()
		engine := NewEngine(cfg)
		calls := 0
		_, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
			calls++
			return core.NewGatewayError(kind, "test", "terminal")
		})
		require.Error(t, err, string(kind))
		assert.Equal(t, 1, calls, string(kind))
		assert.Equal(t, kind, core.KindOf(err), string(kind))
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	cfg, slept := instantSleepConfig()
	engine := NewEngine(cfg)

	calls := 0
	_, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		if calls == 1 {
			return &core.GatewayError{
				Kind:           core.ErrKindRateLimited,
				Retryable:      true,
				UpstreamStatus: 429,
				RetryAfter:     7 * time.Second,
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0])
}

func TestConsecutive429sBecomeQuota(t *testing.T) {
	cfg, _ := instantSleepConfig()
	engine := NewEngine(cfg)

	calls := 0
	attempts, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		return &core.GatewayError{Kind: core.ErrKindRateLimited, Retryable: true, UpstreamStatus: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, attempts, 3)
	assert.Equal(t, core.ErrKindRateLimitedQuota, core.KindOf(err))
}

func TestRetryPromptImmutability(t *testing.T) {
	cfg, _ := instantSleepConfig()
	engine := NewEngine(cfg)

	messages := []core.Message{{Role: core.RoleUser, Content: "original"}}
	calls := 0
	_, err := engine.Execute(context.Background(), nil, messages, func(ctx context.Context, attempt int) error {
		calls++
		if calls == 1 {
			// Simulate an illegal in-place mutation between attempts.
			messages[0].Content = "mutated"
			return upstream5xx(500)
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, core.ErrKindInternal, core.KindOf(err))
	assert.Contains(t, err.Error(), "mutated")
	assert.Equal(t, 1, calls)
}

func TestRetryBreakerIntegration(t *testing.T) {
	cfg, _ := instantSleepConfig()
	engine := NewEngine(cfg)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	bcfg := DefaultBreakerConfig()
	bcfg.Now = clock.Now
	cb := NewBreakerSet(bcfg).For(core.VendorOpenAI, "model-x")

	// Five consecutive 5xx across calls open the breaker. With 4 attempts
	// per call, two calls are enough.
	for i := 0; i < 2; i++ {
		_, err := engine.Execute(context.Background(), cb, nil, func(ctx context.Context, attempt int) error {
			return upstream5xx(503)
		})
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, cb.State())

	// Next call fails fast without invoking fn.
	calls := 0
	start := time.Now()
	_, err := engine.Execute(context.Background(), cb, nil, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	assert.Equal(t, 0, calls)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// After the hold period a successful probe closes the breaker.
	clock.Advance(3 * time.Minute)
	_, err = engine.Execute(context.Background(), cb, nil, func(ctx context.Context, attempt int) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Sleep = sleepContext
	engine := NewEngine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := engine.Execute(ctx, nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		return upstream5xx(500)
	})
	require.Error(t, err)
	assert.Equal(t, core.ErrKindCancelled, core.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestAttemptRecordsCarryClassAndStatus(t *testing.T) {
	cfg, _ := instantSleepConfig()
	engine := NewEngine(cfg)

	calls := 0
	attempts, err := engine.Execute(context.Background(), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		switch calls {
		case 1:
			return upstream5xx(503)
		case 2:
			return &core.GatewayError{Kind: core.ErrKindRateLimited, Retryable: true, UpstreamStatus: 429}
		default:
			return nil
		}
	})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Index)
	assert.Equal(t, ClassRetryable5xx, attempts[0].Class)
	assert.Equal(t, 503, attempts[0].UpstreamStatus)
	assert.Equal(t, ClassRateLimited, attempts[1].Class)
	assert.Equal(t, 429, attempts[1].UpstreamStatus)
}
