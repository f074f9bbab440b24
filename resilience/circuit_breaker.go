package resilience

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// CircuitState represents the state of one circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen short-circuits all requests.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration shared by all per-(vendor,model) breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive 5xx count that opens the breaker.
	FailureThreshold int
	// HoldMin/HoldMax bound the uniformly-random open period.
	HoldMin time.Duration
	HoldMax time.Duration

	Logger  core.Logger
	Metrics MetricsCollector

	// Clock and randomness seams for tests.
	Now  func() time.Time
	Rand func() float64
}

// DefaultBreakerConfig returns the production defaults: open after five
// consecutive 5xx, hold for 60-120s.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		HoldMin:          60 * time.Second,
		HoldMax:          120 * time.Second,
	}
}

func (c *BreakerConfig) withDefaults() *BreakerConfig {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.HoldMin <= 0 {
		out.HoldMin = 60 * time.Second
	}
	if out.HoldMax < out.HoldMin {
		out.HoldMax = 2 * out.HoldMin
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
	if out.Rand == nil {
		out.Rand = rand.Float64
	}
	return &out
}

// CircuitBreaker is the failure tracker for one vendor:model pair.
// All transitions happen under a single mutex; the critical sections are
// O(1) so the lock is never held across I/O.
type CircuitBreaker struct {
	name   string
	config *BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	consecutive5xx  int
	openUntil       time.Time
	probeInFlight   bool
	count5xx        uint64
	count429        uint64
	countOther      uint64
}

// BreakerSet owns one breaker per vendor:model key. Process-wide singleton.
type BreakerSet struct {
	mu       sync.Mutex
	config   *BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates the per-process breaker registry.
func NewBreakerSet(config *BreakerConfig) *BreakerSet {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerSet{
		config:   config.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for a vendor:model pair, creating it on first use.
func (s *BreakerSet) For(vendor core.Vendor, model string) *CircuitBreaker {
	key := string(vendor) + ":" + model
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := &CircuitBreaker{name: key, config: s.config, state: StateClosed}
	s.breakers[key] = cb
	return cb
}

// Allow reports whether a call may proceed. While open it fails fast; on
// hold expiry it moves to half-open and admits exactly one probe.
func (cb *CircuitBreaker) Allow() (bool, CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, StateClosed
	case StateOpen:
		if cb.config.Now().Before(cb.openUntil) {
			cb.config.Metrics.RecordRejection(cb.name)
			return false, StateOpen
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlight = true
		return true, StateHalfOpen
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.config.Metrics.RecordRejection(cb.name)
			return false, StateHalfOpen
		}
		cb.probeInFlight = true
		return true, StateHalfOpen
	}
	return false, cb.state
}

// RecordSuccess resets failure tracking; a successful half-open probe
// closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive5xx = 0
	cb.config.Metrics.RecordSuccess(cb.name)
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.transition(StateClosed)
	}
}

// RecordFailure feeds one classified failure into the state machine.
// Only 5xx/upstream-unavailable failures advance the consecutive counter;
// 4xx other than 429 never count.
func (cb *CircuitBreaker) RecordFailure(class ErrorClass) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch class {
	case ClassRetryable5xx:
		cb.count5xx++
	case ClassRateLimited:
		cb.count429++
	default:
		cb.countOther++
	}
	cb.config.Metrics.RecordFailure(cb.name, string(class))

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		if class == ClassRetryable5xx {
			cb.open()
		} else {
			cb.transition(StateClosed)
		}
		return
	}

	if class != ClassRetryable5xx {
		return
	}
	cb.consecutive5xx++
	if cb.state == StateClosed && cb.consecutive5xx >= cb.config.FailureThreshold {
		cb.open()
	}
}

// State returns the current state without mutating it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the per-class failure counters (5xx, 429, other).
func (cb *CircuitBreaker) Counts() (c5xx, c429, other uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.count5xx, cb.count429, cb.countOther
}

// open must be called with the lock held.
func (cb *CircuitBreaker) open() {
	hold := cb.config.HoldMin + time.Duration(cb.config.Rand()*float64(cb.config.HoldMax-cb.config.HoldMin))
	cb.openUntil = cb.config.Now().Add(hold)
	cb.consecutive5xx = 0
	cb.transition(StateOpen)
	cb.config.Logger.Warn("Circuit breaker opened", map[string]interface{}{
		"operation":  "circuit_breaker_open",
		"name":       cb.name,
		"hold_ms":    hold.Milliseconds(),
		"open_until": cb.openUntil.Format(time.RFC3339),
	})
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.config.Metrics.RecordStateChange(cb.name, from.String(), to.String())
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.name,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// OpenError builds the fail-fast error surfaced while the breaker is open.
func (cb *CircuitBreaker) OpenError() error {
	return &core.GatewayError{
		Kind:    core.ErrKindServiceUnavailable,
		Op:      "resilience.CircuitBreaker",
		Message: fmt.Sprintf("circuit breaker %s is open; upstream calls are short-circuited", cb.name),
		Err:     core.ErrCircuitBreakerOpen,
	}
}
