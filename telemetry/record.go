// Package telemetry produces one record per gateway call and hands it to
// an async sink. Emission never blocks and never fails the call.
package telemetry

import (
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// Record is the per-call observability payload. The ALS section carries
// only provenance; raw ALS text never appears here.
type Record struct {
	RecordID  string    `json:"record_id"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	ErrorKind string    `json:"error_kind,omitempty"`

	// Routing.
	Vendor             string `json:"vendor"`
	RequestedModel     string `json:"requested_model"`
	EffectiveModel     string `json:"effective_model,omitempty"`
	ResponseAPIVariant string `json:"response_api_variant,omitempty"`
	Region             string `json:"region,omitempty"`

	// Policy.
	GroundedRequested bool    `json:"grounded_requested"`
	GroundingMode     string  `json:"grounding_mode"`
	GroundedEffective bool    `json:"grounded_effective"`
	WhyNotGrounded    string  `json:"why_not_grounded,omitempty"`
	ToolCallCount     int     `json:"tool_call_count"`
	AnchoredCitations int     `json:"anchored_citations_count"`
	UnlinkedSources   int     `json:"unlinked_sources_count"`
	AnchoredCoverage  float64 `json:"anchored_coverage_pct,omitempty"`
	GroundingAnomaly  bool    `json:"grounding_anomaly,omitempty"`

	// ALS provenance.
	ALS core.ALSProvenance `json:"als"`

	// Resiliency.
	RetryCount        int    `json:"retry_count"`
	LastBackoffMS     int64  `json:"last_backoff_ms,omitempty"`
	CircuitState      string `json:"circuit_state,omitempty"`
	UpstreamStatus    int    `json:"upstream_status,omitempty"`
	LimiterBypassed   bool   `json:"limiter_bypassed,omitempty"`
	ProxiesNormalized bool   `json:"proxies_normalized,omitempty"`

	// Usage.
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	LatencyMS        int64 `json:"latency_ms"`

	// Identity.
	TemplateID string `json:"template_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// FromCall assembles a record from a finished request/response pair.
func FromCall(req *core.Request, resp *core.Response) *Record {
	rec := &Record{
		RecordID:  resp.RecordID,
		Timestamp: time.Now().UTC(),
		Success:   resp.Success,
		ErrorKind: string(resp.ErrorKind),

		Vendor:             string(req.Vendor),
		RequestedModel:     req.Model,
		EffectiveModel:     resp.ModelVersion,
		ResponseAPIVariant: resp.Metadata.ResponseAPIVariant,
		Region:             resp.Metadata.Region,

		GroundedRequested: req.Grounded,
		GroundingMode:     string(req.EffectiveGroundingMode()),
		GroundedEffective: resp.GroundedEffective,
		WhyNotGrounded:    resp.Metadata.WhyNotGrounded,
		ToolCallCount:     resp.Metadata.ToolCallCount,
		AnchoredCitations: resp.Metadata.AnchoredCitations,
		UnlinkedSources:   resp.Metadata.UnlinkedSources,
		AnchoredCoverage:  resp.Metadata.AnchoredCoveragePct,
		GroundingAnomaly:  resp.Metadata.GroundingAnomaly,

		ALS: resp.Metadata.ALS,

		RetryCount:        resp.Metadata.RetryCount,
		LastBackoffMS:     resp.Metadata.LastBackoffMS,
		CircuitState:      resp.Metadata.CircuitState,
		UpstreamStatus:    resp.Metadata.UpstreamStatus,
		LimiterBypassed:   resp.Metadata.LimiterBypassed,
		ProxiesNormalized: resp.Metadata.ProxiesNormalized,

		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		LatencyMS:        resp.LatencyMS,

		TemplateID: req.Meta.TemplateID,
		RunID:      req.Meta.RunID,
		TenantID:   req.Meta.TenantID,
		RequestID:  resp.RecordID,
	}
	return rec
}
