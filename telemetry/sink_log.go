package telemetry

import (
	"context"

	"github.com/itsneelabh/llmrouter/core"
)

// LogSink writes records as structured log lines. It is the default sink
// and the fallback when no Redis endpoint is configured.
type LogSink struct {
	logger core.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger core.Logger) *LogSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LogSink{logger: logger}
}

// Write logs the record under a fixed operation key.
func (s *LogSink) Write(_ context.Context, record *Record) error {
	s.logger.Info("LLM call record", map[string]interface{}{
		"operation":            "llm_call_record",
		"record_id":            record.RecordID,
		"success":              record.Success,
		"error_kind":           record.ErrorKind,
		"vendor":               record.Vendor,
		"requested_model":      record.RequestedModel,
		"effective_model":      record.EffectiveModel,
		"response_api_variant": record.ResponseAPIVariant,
		"grounded_requested":   record.GroundedRequested,
		"grounding_mode":       record.GroundingMode,
		"grounded_effective":   record.GroundedEffective,
		"why_not_grounded":     record.WhyNotGrounded,
		"tool_call_count":      record.ToolCallCount,
		"anchored_citations":   record.AnchoredCitations,
		"unlinked_sources":     record.UnlinkedSources,
		"als_present":          record.ALS.Present,
		"als_sha256":           record.ALS.SHA256,
		"retry_count":          record.RetryCount,
		"circuit_state":        record.CircuitState,
		"upstream_status":      record.UpstreamStatus,
		"total_tokens":         record.TotalTokens,
		"latency_ms":           record.LatencyMS,
	})
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
