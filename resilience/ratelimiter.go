package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// RateLimiterConfig configures one vendor's limiter.
type RateLimiterConfig struct {
	Vendor          core.Vendor
	TokensPerMinute int
	MaxConcurrency  int
	// BypassTimeout bounds how long Acquire may block on the concurrency
	// semaphore before letting the call through ungated. Prevents deadlock.
	BypassTimeout time.Duration

	Logger  core.Logger
	Metrics MetricsCollector

	// Seams for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func (c *RateLimiterConfig) withDefaults() *RateLimiterConfig {
	out := *c
	if out.TokensPerMinute <= 0 {
		out.TokensPerMinute = 120000
	}
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 16
	}
	if out.BypassTimeout <= 0 {
		out.BypassTimeout = time.Second
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &noopMetrics{}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Sleep == nil {
		out.Sleep = sleepContext
	}
	if out.Rand == nil {
		out.Rand = rand.Float64
	}
	return &out
}

// RateLimiter budgets tokens per wall-clock minute and bounds concurrency
// for a single vendor. Grounded calls are pre-scaled by an adaptive
// multiplier learned from the actual/estimated consumption ratio, because
// grounded generations historically over-consume their estimates.
type RateLimiter struct {
	config *RateLimiterConfig
	sem    chan struct{}

	mu          sync.Mutex
	minuteStart time.Time
	consumed    int
	multiplier  float64
}

// emaAlpha weights new observations in the adaptive multiplier.
const emaAlpha = 0.2

// NewRateLimiter creates a limiter for one vendor.
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	cfg := config.withDefaults()
	return &RateLimiter{
		config:      cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrency),
		minuteStart: cfg.Now().Truncate(time.Minute),
		multiplier:  1.0,
	}
}

// Permit is the admission result. Release must always be called.
type Permit struct {
	// Bypassed is true when the semaphore could not be acquired within the
	// bounded wait and the call proceeded ungated. A bypassed permit holds
	// no token reservation.
	Bypassed bool

	reserved int
	release  func()
}

// Release returns the concurrency slot, if one was held.
func (p *Permit) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Acquire admits a call under the vendor budget.
//
// Concurrency gating is bounded by BypassTimeout: if no slot frees up in
// time the call proceeds ungated and the permit is marked Bypassed; the
// limiter must never deadlock a call. Token budgeting sleeps to the next
// minute boundary (with jitter in [0.5, 0.75] of the remaining time) when
// admitting would overrun the current minute's budget.
func (l *RateLimiter) Acquire(ctx context.Context, estimatedTokens int, grounded bool) (*Permit, error) {
	cfg := l.config

	permit := &Permit{}
	timer := time.NewTimer(cfg.BypassTimeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		permit.release = func() { <-l.sem }
	case <-timer.C:
		permit.Bypassed = true
		cfg.Metrics.RecordLimiterBypass(string(cfg.Vendor))
		cfg.Logger.Warn("Rate limiter bypassed after bounded wait", map[string]interface{}{
			"operation":        "rate_limiter_bypass",
			"vendor":           string(cfg.Vendor),
			"bypass_timeout_ms": cfg.BypassTimeout.Milliseconds(),
		})
		return permit, nil
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}

	scaled := l.scaleEstimate(estimatedTokens, grounded)
	for {
		l.mu.Lock()
		now := cfg.Now()
		l.rolloverLocked(now)
		if l.consumed+scaled <= cfg.TokensPerMinute || l.consumed == 0 {
			// A single oversized request is admitted against an empty
			// minute rather than blocked forever.
			l.consumed += scaled
			permit.reserved = scaled
			l.mu.Unlock()
			return permit, nil
		}
		remaining := l.minuteStart.Add(time.Minute).Sub(now)
		l.mu.Unlock()

		// Jitter in [0.5, 0.75] of the remaining window spreads wakeups.
		wait := time.Duration(float64(remaining) * (0.5 + 0.25*cfg.Rand()))
		cfg.Logger.Debug("Token budget exhausted, waiting for next minute", map[string]interface{}{
			"operation": "rate_limiter_wait",
			"vendor":    string(cfg.Vendor),
			"wait_ms":   wait.Milliseconds(),
			"estimated": scaled,
		})
		if err := cfg.Sleep(ctx, wait); err != nil {
			permit.Release()
			return nil, contextError(ctx.Err())
		}
	}
}

// Commit reconciles the permit's reservation with actual consumption and
// feeds the adaptive multiplier: mu <- clamp(EMA(actual/estimated), 1.0, 2.0).
// The deduction uses the amount reserved at Acquire time, not a fresh
// estimate; bypassed permits reserved nothing and only add their actual
// usage. A nil permit is treated as an unreserved one.
func (l *RateLimiter) Commit(permit *Permit, actualTokens, estimatedTokens int, grounded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := 0
	if permit != nil {
		reserved = permit.reserved
	}
	l.consumed += actualTokens - reserved
	if l.consumed < 0 {
		l.consumed = 0
	}

	if grounded && estimatedTokens > 0 && actualTokens > 0 {
		ratio := float64(actualTokens) / float64(estimatedTokens)
		l.multiplier = emaAlpha*ratio + (1-emaAlpha)*l.multiplier
		if l.multiplier < 1.0 {
			l.multiplier = 1.0
		}
		if l.multiplier > 2.0 {
			l.multiplier = 2.0
		}
	}
}

// SuggestTrim returns a reduced max_tokens when the current minute is
// within 10% of budget. The suggestion never drops below minOut.
func (l *RateLimiter) SuggestTrim(desiredOut, minOut int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.config.Now())

	threshold := int(float64(l.config.TokensPerMinute) * 0.9)
	if l.consumed < threshold {
		return desiredOut
	}
	remaining := l.config.TokensPerMinute - l.consumed
	if remaining < minOut {
		remaining = minOut
	}
	if desiredOut <= remaining {
		return desiredOut
	}
	return remaining
}

// Multiplier returns the current adaptive multiplier.
func (l *RateLimiter) Multiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.multiplier
}

func (l *RateLimiter) scaleEstimate(estimated int, grounded bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scaleEstimateLocked(estimated, grounded)
}

// scaleEstimateLocked must be called with the lock held.
func (l *RateLimiter) scaleEstimateLocked(estimated int, grounded bool) int {
	if !grounded {
		return estimated
	}
	return int(float64(estimated) * l.multiplier)
}

// rolloverLocked resets the minute window when the clock has crossed a
// minute boundary. Must be called with the lock held.
func (l *RateLimiter) rolloverLocked(now time.Time) {
	if now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now.Truncate(time.Minute)
		l.consumed = 0
	}
}
