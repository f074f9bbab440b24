package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/llmrouter/core"
)

// fakeClock lets tests drive breaker hold expiry deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testBreaker(clock *fakeClock) *CircuitBreaker {
	cfg := DefaultBreakerConfig()
	cfg.Now = clock.Now
	cfg.Rand = func() float64 { return 0 } // hold period pinned to HoldMin
	set := NewBreakerSet(cfg)
	return set.For(core.VendorOpenAI, "gpt-5")
}

func TestBreakerOpensAfterFiveConsecutive5xx(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ClassRetryable5xx)
		assert.Equal(t, StateClosed, cb.State(), "still closed after %d failures", i+1)
	}
	cb.RecordFailure(ClassRetryable5xx)
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls are rejected without upstream I/O.
	allowed, state := cb.Allow()
	assert.False(t, allowed)
	assert.Equal(t, StateOpen, state)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ClassRetryable5xx)
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure(ClassRetryable5xx)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker4xxDoesNotCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure(ClassInvalidRequest)
		cb.RecordFailure(ClassAuth)
		cb.RecordFailure(ClassRateLimited)
	}
	assert.Equal(t, StateClosed, cb.State())

	c5xx, c429, other := cb.Counts()
	assert.EqualValues(t, 0, c5xx)
	assert.EqualValues(t, 10, c429)
	assert.EqualValues(t, 20, other)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ClassRetryable5xx)
	}
	require.Equal(t, StateOpen, cb.State())

	// Before hold expiry: rejected.
	clock.Advance(59 * time.Second)
	allowed, _ := cb.Allow()
	assert.False(t, allowed)

	// After expiry: exactly one probe admitted.
	clock.Advance(2 * time.Second)
	allowed, state := cb.Allow()
	assert.True(t, allowed)
	assert.Equal(t, StateHalfOpen, state)

	allowed, _ = cb.Allow()
	assert.False(t, allowed, "second caller during probe is rejected")

	// Probe success closes the breaker.
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	allowed, _ = cb.Allow()
	assert.True(t, allowed)
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ClassRetryable5xx)
	}
	clock.Advance(61 * time.Second)
	allowed, _ := cb.Allow()
	require.True(t, allowed)

	cb.RecordFailure(ClassRetryable5xx)
	assert.Equal(t, StateOpen, cb.State())

	allowed, _ = cb.Allow()
	assert.False(t, allowed)
}

func TestBreakerOpenError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := testBreaker(clock)
	err := cb.OpenError()
	assert.True(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	assert.Equal(t, core.ErrKindServiceUnavailable, core.KindOf(err))
}

func TestBreakerSetKeysPerVendorModel(t *testing.T) {
	set := NewBreakerSet(nil)
	a := set.For(core.VendorOpenAI, "gpt-5")
	b := set.For(core.VendorOpenAI, "gpt-4o")
	c := set.For(core.VendorOpenAI, "gpt-5")
	assert.NotSame(t, a, b)
	assert.Same(t, a, c)
}
