// Package core defines the unified request/response contract shared by the
// router, the provider adapters, and the resiliency layer. Every other
// package treats these types as read-only; only the router may mutate a
// Request (ALS injection and policy normalization).
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Vendor identifies a supported upstream provider.
type Vendor string

const (
	// VendorOpenAI is the OpenAI-style Responses API provider.
	VendorOpenAI Vendor = "openai"
	// VendorVertex is the Google Vertex/Gemini GenerateContent provider.
	VendorVertex Vendor = "vertex"
)

// KnownVendors lists every vendor the gateway can dispatch to.
var KnownVendors = []Vendor{VendorOpenAI, VendorVertex}

// Role is a message role in the unified contract.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// GroundingMode controls how web-search grounding is attempted and validated.
type GroundingMode string

const (
	// GroundingOff attaches no tools. Implied when Grounded=false.
	GroundingOff GroundingMode = "OFF"
	// GroundingAuto attaches the vendor's web-search tool with auto choice.
	// Grounding success is not required.
	GroundingAuto GroundingMode = "AUTO"
	// GroundingRequired attaches the strongest available forcing and fails
	// closed when grounding evidence is absent.
	GroundingRequired GroundingMode = "REQUIRED"
)

// Message is a single turn in the conversation. Content bytes are preserved
// verbatim end to end.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ALSContext requests injection of an Ambient Location Signal block.
type ALSContext struct {
	CountryCode string `json:"country_code"`
	Locale      string `json:"locale"`
}

// Meta carries free-form provenance supplied by the caller.
type Meta struct {
	TemplateID string `json:"template_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// Request is the unified completion request. It is immutable once accepted
// by the router.
type Request struct {
	Vendor        Vendor        `json:"vendor,omitempty"`
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	Grounded      bool          `json:"grounded"`
	GroundingMode GroundingMode `json:"grounding_mode,omitempty"`
	JSONMode      bool          `json:"json_mode"`
	JSONSchema    map[string]interface{} `json:"json_schema,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Seed        *int     `json:"seed,omitempty"`

	ALSContext *ALSContext `json:"als_context,omitempty"`
	Meta       Meta        `json:"meta,omitempty"`

	// ProxyMode is a legacy transport selector. The router normalizes it
	// away before dispatch and records the fact in telemetry.
	ProxyMode string `json:"proxy_mode,omitempty"`

	// ALSApplied guards against double injection. Set by the router only.
	ALSApplied bool `json:"-"`
}

// Validate checks the request invariants from the unified contract.
// It does not consult the model allow-list; that is the registry's job.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	userCount := 0
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if m.Role == RoleUser {
			userCount++
		}
	}
	if userCount != 1 {
		return fmt.Errorf("exactly one user message is required, got %d", userCount)
	}
	switch r.GroundingMode {
	case "", GroundingOff, GroundingAuto, GroundingRequired:
	default:
		return fmt.Errorf("unknown grounding_mode %q", r.GroundingMode)
	}
	if r.GroundingMode == GroundingRequired && !r.Grounded {
		return fmt.Errorf("grounding_mode=REQUIRED requires grounded=true")
	}
	return nil
}

// EffectiveGroundingMode resolves the implied mode: OFF when not grounded,
// AUTO when grounded without an explicit mode.
func (r *Request) EffectiveGroundingMode() GroundingMode {
	if !r.Grounded {
		return GroundingOff
	}
	if r.GroundingMode == "" {
		return GroundingAuto
	}
	return r.GroundingMode
}

// MessagesDigest returns the SHA-256 over role and content of every message.
// The retry engine compares digests across attempts to prove the prompt was
// not mutated mid-call.
func MessagesDigest(messages []Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Citation is a normalized web source surfaced by a grounded response.
type Citation struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Domain    string `json:"domain"`
	Anchored  bool   `json:"anchored"`
	SourceRef string `json:"source_ref,omitempty"`
	// RawURI preserves the pre-decode redirector URI for provenance.
	RawURI string `json:"raw_uri,omitempty"`
}

// ALSProvenance records everything persisted about an injected ALS block.
// The raw text is deliberately absent; only the hash survives.
type ALSProvenance struct {
	Present     bool   `json:"present"`
	SHA256      string `json:"sha256,omitempty"`
	VariantID   string `json:"variant_id,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`
	SeedKeyID   string `json:"seed_key_id,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Locale      string `json:"locale,omitempty"`
	NFCLength   int    `json:"nfc_length,omitempty"`
}

// Metadata is the exhaustive per-call provenance attached to every response.
type Metadata struct {
	ResponseAPIVariant  string   `json:"response_api_variant,omitempty"`
	Region              string   `json:"region,omitempty"`
	TextSource          string   `json:"text_source,omitempty"`
	UngroundedRetry     int      `json:"ungrounded_retry,omitempty"`
	WhyNotGrounded      string   `json:"why_not_grounded,omitempty"`
	ToolCallCount       int      `json:"tool_call_count"`
	AnchoredCitations   int      `json:"anchored_citations_count"`
	UnlinkedSources     int      `json:"unlinked_sources_count"`
	AnchoredCoveragePct float64  `json:"anchored_coverage_pct,omitempty"`
	FinishReasons       []string `json:"finish_reasons,omitempty"`
	BlockReason         string   `json:"block_reason,omitempty"`
	GroundingAnomaly    bool     `json:"grounding_anomaly,omitempty"`

	ALS ALSProvenance `json:"als"`

	ProxiesNormalized bool `json:"proxies_normalized,omitempty"`
	LimiterBypassed   bool `json:"limiter_bypassed,omitempty"`

	RetryCount    int    `json:"retry_count"`
	LastBackoffMS int64  `json:"last_backoff_ms,omitempty"`
	CircuitState  string `json:"circuit_state,omitempty"`
	UpstreamStatus int   `json:"upstream_status,omitempty"`
}

// Response is the normalized completion response.
type Response struct {
	Content          string     `json:"content"`
	ModelVersion     string     `json:"model_version,omitempty"`
	ModelFingerprint string     `json:"model_fingerprint,omitempty"`
	GroundedEffective bool      `json:"grounded_effective"`
	Usage            Usage      `json:"usage"`
	LatencyMS        int64      `json:"latency_ms"`
	Success          bool       `json:"success"`
	ErrorKind        ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
	Metadata         Metadata   `json:"metadata"`

	// RecordID correlates the response with its telemetry record.
	RecordID string `json:"record_id,omitempty"`
}

// TextPreview returns a short, single-line preview of s for log fields.
func TextPreview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
