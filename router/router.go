// Package router is the single entry point of the gateway. It validates
// requests, normalizes legacy fields, injects ALS blocks, admits calls
// through the rate limiter, dispatches to vendor adapters under the retry
// engine and circuit breaker, and emits one telemetry record per call.
//
// Complete never panics and never returns a raw error to the caller; every
// failure is reported inline on the response.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/llmrouter/als"
	"github.com/itsneelabh/llmrouter/core"
	"github.com/itsneelabh/llmrouter/grounding"
	"github.com/itsneelabh/llmrouter/providers"
	"github.com/itsneelabh/llmrouter/registry"
	"github.com/itsneelabh/llmrouter/resilience"
	"github.com/itsneelabh/llmrouter/telemetry"
)

// charsPerToken is the rough prompt-size heuristic used for limiter
// estimates. Estimates are reconciled against actual usage on Commit.
const charsPerToken = 4

// Router wires the gateway components together. It is safe for concurrent
// use; all shared state lives in the breaker set and the per-vendor
// limiters, each internally synchronized.
type Router struct {
	config   *core.Config
	logger   core.Logger
	registry *registry.Registry
	policy   *grounding.Policy
	builder  *als.Builder

	adapters map[core.Vendor]providers.Adapter
	limiters map[core.Vendor]*resilience.RateLimiter
	breakers *resilience.BreakerSet
	engine   *resilience.Engine
	pool     *resilience.WorkerPool

	emitter *telemetry.Emitter
	tracer  core.Telemetry
}

// Option customizes router construction. Used by tests to substitute
// adapters and resiliency policies.
type Option func(*options)

type options struct {
	adapters      map[core.Vendor]providers.Adapter
	retryConfig   *resilience.RetryConfig
	breakerConfig *resilience.BreakerConfig
	emitter       *telemetry.Emitter
	tracer        core.Telemetry
	limiterSeams  func(*resilience.RateLimiterConfig)
}

// WithAdapter substitutes the adapter for a vendor instead of building it
// from the provider factory registry.
func WithAdapter(vendor core.Vendor, adapter providers.Adapter) Option {
	return func(o *options) { o.adapters[vendor] = adapter }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg *resilience.RetryConfig) Option {
	return func(o *options) { o.retryConfig = cfg }
}

// WithBreakerConfig overrides the circuit breaker policy.
func WithBreakerConfig(cfg *resilience.BreakerConfig) Option {
	return func(o *options) { o.breakerConfig = cfg }
}

// WithEmitter supplies the telemetry emitter. Without one, records are
// written to the configured sink through a new emitter.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithTelemetry installs a span/metric provider for tracing calls.
func WithTelemetry(t core.Telemetry) Option {
	return func(o *options) { o.tracer = t }
}

// WithLimiterSeams lets tests inject clock and sleep seams into the
// per-vendor rate limiters.
func WithLimiterSeams(fn func(*resilience.RateLimiterConfig)) Option {
	return func(o *options) { o.limiterSeams = fn }
}

// New builds a Router from configuration. Adapters are created through the
// provider factory registry for every vendor with a non-empty allow-list.
func New(cfg *core.Config, logger core.Logger, opts ...Option) (*Router, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	o := &options{adapters: make(map[core.Vendor]providers.Adapter)}
	for _, opt := range opts {
		opt(o)
	}

	r := &Router{
		config:   cfg,
		logger:   logger,
		registry: registry.New(cfg, logger),
		policy:   grounding.NewPolicy(cfg.Flags.VertexRequireAnchored, logger),
		adapters: make(map[core.Vendor]providers.Adapter),
		limiters: make(map[core.Vendor]*resilience.RateLimiter),
		breakers: resilience.NewBreakerSet(o.breakerConfig),
		engine:   resilience.NewEngine(o.retryConfig),
		pool:     resilience.NewWorkerPool(cfg.WorkerPoolSize, logger),
		emitter:  o.emitter,
		tracer:   o.tracer,
	}

	if cfg.ALS.SeedKey != "" {
		builder, err := als.NewBuilder(cfg.ALS, logger)
		if err != nil {
			return nil, err
		}
		r.builder = builder
	}

	for _, vendor := range core.KnownVendors {
		if len(cfg.AllowedModels(vendor)) == 0 {
			continue
		}
		adapter, ok := o.adapters[vendor]
		if !ok {
			factory, found := providers.Get(vendor)
			if !found {
				return nil, fmt.Errorf("%w: no provider registered for vendor %s (import its package)",
					core.ErrInvalidConfiguration, vendor)
			}
			var err error
			adapter, err = factory.Create(cfg, logger)
			if err != nil {
				return nil, fmt.Errorf("creating %s adapter: %w", vendor, err)
			}
		}
		r.adapters[vendor] = adapter

		limits := cfg.Limits(vendor)
		limiterCfg := &resilience.RateLimiterConfig{
			Vendor:          vendor,
			TokensPerMinute: limits.TokensPerMinute,
			MaxConcurrency:  limits.MaxConcurrency,
			Logger:          logger,
		}
		if o.limiterSeams != nil {
			o.limiterSeams(limiterCfg)
		}
		r.limiters[vendor] = resilience.NewRateLimiter(limiterCfg)
	}
	if len(r.adapters) == 0 {
		return nil, fmt.Errorf("%w: no vendor has both an allow-list and an adapter", core.ErrInvalidConfiguration)
	}

	if r.emitter == nil {
		sink, err := telemetry.NewSink(cfg.Telemetry, logger)
		if err != nil {
			return nil, err
		}
		r.emitter = telemetry.NewEmitter(sink, cfg.Telemetry.QueueSize, logger)
	}

	logger.Info("Router initialized", map[string]interface{}{
		"operation": "router_init",
		"vendors":   len(r.adapters),
		"pool_size": cfg.WorkerPoolSize,
	})
	return r, nil
}

// Close drains the telemetry queue.
func (r *Router) Close() error {
	return r.emitter.Close()
}

// Complete executes one gateway call end to end. The caller's request is
// never mutated; the router works on its own copy. All failures come back
// inline with Success=false and a taxonomy ErrorKind.
func (r *Router) Complete(ctx context.Context, req *core.Request) (resp *core.Response) {
	start := time.Now()
	recordID := uuid.NewString()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic in router.Complete", map[string]interface{}{
				"operation": "router_panic",
				"record_id": recordID,
				"panic":     fmt.Sprintf("%v", rec),
			})
			resp = r.errorResponse(recordID, start, core.NewGatewayError(
				core.ErrKindInternal, "router.Complete", fmt.Sprintf("internal panic: %v", rec)))
			emitReq := req
			if emitReq == nil {
				emitReq = &core.Request{}
			}
			r.emit(emitReq, resp)
		}
	}()

	if req == nil {
		resp = r.errorResponse(recordID, start, core.NewGatewayError(
			core.ErrKindInvalidRequest, "router.Complete", "request must not be nil"))
		r.emit(&core.Request{}, resp)
		return resp
	}

	// Work on a copy: the caller's request stays untouched even though the
	// router normalizes fields and injects ALS.
	call := *req

	ctx, span := r.startSpan(ctx, &call)
	defer span.End()

	resp = r.complete(ctx, &call, recordID, start)
	if !resp.Success {
		span.RecordError(fmt.Errorf("%s: %s", resp.ErrorKind, resp.ErrorMessage))
	}
	span.SetAttribute("success", resp.Success)

	r.emit(&call, resp)
	return resp
}

func (r *Router) complete(ctx context.Context, call *core.Request, recordID string, start time.Time) *core.Response {
	if err := call.Validate(); err != nil {
		return r.errorResponse(recordID, start, core.NewGatewayError(
			core.ErrKindInvalidRequest, "router.Complete", err.Error()))
	}

	// Vendor resolution and model validation.
	if call.Vendor == "" {
		call.Vendor = registry.InferVendor(call.Model)
		if call.Vendor == "" {
			return r.errorResponse(recordID, start, core.NewGatewayError(
				core.ErrKindInvalidRequest, "router.Complete",
				fmt.Sprintf("cannot infer vendor from model %q; set vendor explicitly", call.Model)))
		}
	}
	call.Vendor = core.Vendor(strings.ToLower(string(call.Vendor)))
	adapter, ok := r.adapters[call.Vendor]
	if !ok {
		return r.errorResponse(recordID, start, core.NewGatewayError(
			core.ErrKindInvalidRequest, "router.Complete",
			fmt.Sprintf("vendor %q is not enabled (known: openai, vertex)", call.Vendor)))
	}
	if err := r.registry.Validate(call.Vendor, call.Model); err != nil {
		return r.errorResponse(recordID, start, err)
	}
	call.Model = registry.Normalize(call.Vendor, call.Model)

	// Legacy field normalization. Proxy transport modes are gone; the
	// request proceeds directly and telemetry records the rewrite.
	proxiesNormalized := false
	if call.ProxyMode != "" && r.config.Flags.DisableProxies {
		r.logger.Debug("Stripped legacy proxy mode", map[string]interface{}{
			"operation":  "proxy_normalize",
			"record_id":  recordID,
			"proxy_mode": call.ProxyMode,
		})
		call.ProxyMode = ""
		proxiesNormalized = true
	}

	// ALS injection, exactly once.
	var alsProv core.ALSProvenance
	if call.ALSContext != nil && !call.ALSApplied {
		if r.builder == nil {
			return r.errorResponse(recordID, start, core.NewGatewayError(
				core.ErrKindInternal, "router.Complete",
				"ALS requested but no seed key is configured; set ALS_SEED_KEY"))
		}
		block, err := r.builder.Build(call.ALSContext.CountryCode, call.ALSContext.Locale, call.Meta.TemplateID)
		if err != nil {
			return r.errorResponse(recordID, start, err)
		}
		injectALS(call, block.NFCText)
		call.ALSApplied = true
		alsProv = block.Provenance()
	}

	// Fail REQUIRED fast when the model is already known to lack web search.
	mode := call.EffectiveGroundingMode()
	supported, known := r.registry.WebSearchSupport(call.Vendor, call.Model)
	if err := r.policy.Precheck(mode, call.Model, supported, known); err != nil {
		resp := r.errorResponse(recordID, start, err)
		resp.Metadata.WhyNotGrounded = grounding.ReasonNotSupported
		resp.Metadata.ALS = alsProv
		return resp
	}

	timeout := r.config.UngroundedTimeout
	if call.Grounded {
		timeout = r.config.GroundedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Admission. The permit is bounded: a saturated semaphore lets the
	// call through ungated rather than deadlocking.
	limiter := r.limiters[call.Vendor]
	estimate := estimateTokens(call, r.config)
	permit, err := limiter.Acquire(ctx, estimate, call.Grounded)
	if err != nil {
		resp := r.errorResponse(recordID, start, err)
		resp.Metadata.ALS = alsProv
		resp.Metadata.ProxiesNormalized = proxiesNormalized
		return resp
	}
	defer permit.Release()

	// Near the minute budget, shrink the output ask instead of waiting.
	if call.MaxTokens > 0 {
		if trimmed := limiter.SuggestTrim(call.MaxTokens, r.config.MinOutputTokens); trimmed < call.MaxTokens {
			r.logger.Debug("Trimmed output budget near rate limit", map[string]interface{}{
				"operation":  "limiter_trim",
				"record_id":  recordID,
				"requested":  call.MaxTokens,
				"trimmed_to": trimmed,
			})
			call.MaxTokens = trimmed
		}
	}

	// Dispatch under the retry engine and the per-model breaker. The
	// worker pool bounds concurrent upstream calls process-wide.
	breaker := r.breakers.For(call.Vendor, call.Model)
	var respMu sync.Mutex
	var lastResp *core.Response
	attempts, callErr := r.engine.Execute(ctx, breaker, call.Messages, func(ctx context.Context, attempt int) error {
		return r.pool.Do(ctx, func() (err error) {
			// The pool runs this on its own goroutine; a panicking
			// adapter must not take the process down.
			defer func() {
				if rec := recover(); rec != nil {
					err = core.NewGatewayError(core.ErrKindInternal, "router.dispatch",
						fmt.Sprintf("adapter panic: %v", rec))
				}
			}()
			var attemptResp *core.Response
			attemptResp, err = adapter.Complete(ctx, call)
			if attemptResp != nil {
				respMu.Lock()
				lastResp = attemptResp
				respMu.Unlock()
			}
			return err
		})
	})

	// A cancelled call can leave the dispatch goroutine finishing in the
	// background; take a consistent snapshot.
	respMu.Lock()
	resp := lastResp
	respMu.Unlock()

	r.recordCapability(call, resp, callErr)

	actual := 0
	if resp != nil {
		actual = resp.Usage.TotalTokens
	}
	limiter.Commit(permit, actual, estimate, call.Grounded)

	if resp == nil {
		resp = &core.Response{}
	}
	resp.RecordID = recordID
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.Metadata.ALS = alsProv
	resp.Metadata.ProxiesNormalized = proxiesNormalized
	resp.Metadata.LimiterBypassed = permit.Bypassed
	resp.Metadata.CircuitState = breaker.State().String()
	fillAttemptMetadata(&resp.Metadata, attempts, callErr == nil)

	if callErr != nil {
		resp.Success = false
		resp.ErrorKind = core.KindOf(callErr)
		resp.ErrorMessage = callErr.Error()
		if status := core.UpstreamStatusOf(callErr); status != 0 {
			resp.Metadata.UpstreamStatus = status
		}
		r.logger.Warn("Gateway call failed", map[string]interface{}{
			"operation":   "router_complete",
			"record_id":   recordID,
			"provider":    string(call.Vendor),
			"model":       call.Model,
			"error_kind":  string(resp.ErrorKind),
			"retry_count": resp.Metadata.RetryCount,
			"latency_ms":  resp.LatencyMS,
		})
		return resp
	}

	resp.Success = true
	r.logger.Info("Gateway call completed", map[string]interface{}{
		"operation":          "router_complete",
		"record_id":          recordID,
		"provider":           string(call.Vendor),
		"model":              call.Model,
		"grounded_effective": resp.GroundedEffective,
		"total_tokens":       resp.Usage.TotalTokens,
		"retry_count":        resp.Metadata.RetryCount,
		"latency_ms":         resp.LatencyMS,
	})
	return resp
}

// recordCapability feeds hard grounding verdicts back into the registry so
// later REQUIRED calls can fail before any upstream I/O.
func (r *Router) recordCapability(call *core.Request, resp *core.Response, err error) {
	if !call.Grounded {
		return
	}
	if core.KindOf(err) == core.ErrKindGroundingNotSupported {
		r.registry.RecordWebSearchSupport(call.Vendor, call.Model, false)
		return
	}
	if err == nil && resp != nil && resp.Metadata.ToolCallCount > 0 {
		r.registry.RecordWebSearchSupport(call.Vendor, call.Model, true)
	}
}

// injectALS places the block per the single per-call strategy: appended to
// an existing system message, otherwise inserted as its own system message
// before the first user message. The messages slice is replaced, never
// mutated in place, so the caller's slice is untouched.
func injectALS(call *core.Request, text string) {
	messages := make([]core.Message, 0, len(call.Messages)+1)
	injected := false
	for _, m := range call.Messages {
		if !injected && m.Role == core.RoleSystem {
			m.Content = m.Content + "\n\n" + text
			injected = true
		}
		messages = append(messages, m)
	}
	if !injected {
		for i, m := range messages {
			if m.Role == core.RoleUser {
				messages = append(messages[:i:i], append([]core.Message{{Role: core.RoleSystem, Content: text}}, messages[i:]...)...)
				break
			}
		}
	}
	call.Messages = messages
}

// estimateTokens sizes the call for limiter admission: prompt characters
// at the usual ratio plus the expected output budget.
func estimateTokens(call *core.Request, cfg *core.Config) int {
	chars := 0
	for _, m := range call.Messages {
		chars += len(m.Content)
	}
	prompt := chars / charsPerToken
	output := call.MaxTokens
	if output <= 0 {
		if call.Grounded {
			output = cfg.GroundedMaxTokens
		} else {
			output = 1024
		}
	}
	return prompt + output
}

// fillAttemptMetadata derives retry telemetry from the failure records the
// engine kept. RetryCount counts re-dispatches, not attempts: on success
// every recorded failure was followed by a retry, while on a terminal
// failure the last one was not.
func fillAttemptMetadata(md *core.Metadata, attempts []resilience.Attempt, succeeded bool) {
	md.RetryCount = len(attempts)
	if !succeeded && md.RetryCount > 0 {
		md.RetryCount--
	}
	for _, a := range attempts {
		if a.Delay > 0 {
			md.LastBackoffMS = a.Delay.Milliseconds()
		}
		if a.UpstreamStatus != 0 {
			md.UpstreamStatus = a.UpstreamStatus
		}
	}
}

// errorResponse wraps a failure into the inline response shape.
func (r *Router) errorResponse(recordID string, start time.Time, err error) *core.Response {
	kind := core.KindOf(err)
	return &core.Response{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		RecordID:     recordID,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
}

func (r *Router) emit(call *core.Request, resp *core.Response) {
	r.emitter.Emit(telemetry.FromCall(call, resp))
}

func (r *Router) startSpan(ctx context.Context, call *core.Request) (context.Context, core.Span) {
	if r.tracer == nil {
		return ctx, noopSpan{}
	}
	ctx, span := r.tracer.StartSpan(ctx, "router.Complete")
	span.SetAttribute("vendor", string(call.Vendor))
	span.SetAttribute("model", call.Model)
	span.SetAttribute("grounded", call.Grounded)
	return ctx, span
}

type noopSpan struct{}

func (noopSpan) End()                             {}
func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)                {}
