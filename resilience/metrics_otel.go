package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector receives resiliency events for monitoring.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorClass string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
	RecordLimiterBypass(vendor string)
	RecordAttempt(retryable bool)
}

// noopMetrics is the default no-op implementation.
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                 {}
func (n *noopMetrics) RecordFailure(name, errorClass string)     {}
func (n *noopMetrics) RecordStateChange(name, from, to string)   {}
func (n *noopMetrics) RecordRejection(name string)               {}
func (n *noopMetrics) RecordLimiterBypass(vendor string)         {}
func (n *noopMetrics) RecordAttempt(retryable bool)              {}

// OTelMetricsCollector implements MetricsCollector on the OpenTelemetry
// metric API. Instrument creation errors degrade to nil instruments; the
// resiliency layer must never fail because metrics are unavailable.
type OTelMetricsCollector struct {
	calls       metric.Int64Counter
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	bypasses    metric.Int64Counter
	attempts    metric.Int64Counter
}

// NewOTelMetricsCollector builds the collector on the global meter provider.
func NewOTelMetricsCollector() *OTelMetricsCollector {
	meter := otel.Meter("llmrouter/resilience")
	c := &OTelMetricsCollector{}
	c.calls, _ = meter.Int64Counter("circuit_breaker.calls",
		metric.WithDescription("Circuit breaker call outcomes"))
	c.transitions, _ = meter.Int64Counter("circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	c.rejections, _ = meter.Int64Counter("circuit_breaker.rejections",
		metric.WithDescription("Calls rejected while open"))
	c.bypasses, _ = meter.Int64Counter("rate_limiter.bypasses",
		metric.WithDescription("Calls admitted ungated after bounded wait"))
	c.attempts, _ = meter.Int64Counter("retry.attempts",
		metric.WithDescription("Upstream attempts by retryability"))
	return c
}

func (c *OTelMetricsCollector) RecordSuccess(name string) {
	if c.calls != nil {
		c.calls.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("result", "success"),
		))
	}
}

func (c *OTelMetricsCollector) RecordFailure(name, errorClass string) {
	if c.calls != nil {
		c.calls.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("result", "failure"),
			attribute.String("error_class", errorClass),
		))
	}
}

func (c *OTelMetricsCollector) RecordStateChange(name, from, to string) {
	if c.transitions != nil {
		c.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
	}
}

func (c *OTelMetricsCollector) RecordRejection(name string) {
	if c.rejections != nil {
		c.rejections.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
		))
	}
}

func (c *OTelMetricsCollector) RecordLimiterBypass(vendor string) {
	if c.bypasses != nil {
		c.bypasses.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("vendor", vendor),
		))
	}
}

func (c *OTelMetricsCollector) RecordAttempt(retryable bool) {
	if c.attempts != nil {
		c.attempts.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("retryable", retryable),
		))
	}
}
