package grounding

import (
	"fmt"

	"github.com/itsneelabh/llmrouter/core"
)

// Why-not-grounded reasons recorded in telemetry on REQUIRED failures.
const (
	ReasonNoToolCalls         = "no_tool_calls"
	ReasonNoAnchoredCitations = "no_anchored_citations"
	ReasonNotSupported        = "web_search_not_supported"
)

// Policy enforces the grounding mode against detected evidence.
type Policy struct {
	// VertexRequireAnchored switches Vertex REQUIRED enforcement to the
	// strict profile: search evidence alone is not enough, at least one
	// anchored citation must exist. OpenAI-style calls always require
	// tool-call evidence regardless of this flag.
	VertexRequireAnchored bool

	Logger core.Logger
}

// NewPolicy builds a policy enforcer.
func NewPolicy(vertexRequireAnchored bool, logger core.Logger) *Policy {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Policy{VertexRequireAnchored: vertexRequireAnchored, Logger: logger}
}

// Outcome is the post-call policy verdict for one response.
type Outcome struct {
	GroundedEffective bool
	WhyNotGrounded    string
	// Anomaly is set when an OFF call came back with tool evidence anyway.
	Anomaly bool
}

// Precheck rejects REQUIRED calls against models known not to support web
// search, before any upstream attempt is made. An unknown capability is
// allowed through; the post-call check still applies.
func (p *Policy) Precheck(mode core.GroundingMode, model string, supported, known bool) error {
	if mode != core.GroundingRequired {
		return nil
	}
	if known && !supported {
		return core.NewGatewayError(core.ErrKindGroundingNotSupported, "grounding.Precheck",
			fmt.Sprintf("model %s does not support web search; REQUIRED cannot be satisfied", model))
	}
	return nil
}

// Evaluate applies the mode to the detected signals after a call.
//
// OFF tolerates stray tool evidence but flags it. AUTO reports whatever
// happened. REQUIRED fails closed: missing evidence is an error, and the
// strict Vertex profile additionally demands an anchored citation.
func (p *Policy) Evaluate(mode core.GroundingMode, vendor core.Vendor, sig Signals, anchoredCount int) (Outcome, error) {
	out := Outcome{GroundedEffective: sig.GroundedEffective}

	switch mode {
	case core.GroundingOff:
		if sig.GroundedEffective {
			out.Anomaly = true
			p.Logger.Warn("Tool evidence on an ungrounded call", map[string]interface{}{
				"operation":       "grounding_anomaly",
				"vendor":          string(vendor),
				"tool_call_count": sig.ToolCallCount,
			})
		}
		return out, nil

	case core.GroundingAuto:
		if !sig.GroundedEffective {
			out.WhyNotGrounded = ReasonNoToolCalls
		}
		return out, nil

	case core.GroundingRequired:
		if !sig.GroundedEffective {
			out.WhyNotGrounded = ReasonNoToolCalls
			return out, p.requiredFailure(vendor, out.WhyNotGrounded)
		}
		if vendor == core.VendorOpenAI && sig.ToolCallCount == 0 {
			// Annotations alone do not prove the tool actually ran.
			out.GroundedEffective = false
			out.WhyNotGrounded = ReasonNoToolCalls
			return out, p.requiredFailure(vendor, out.WhyNotGrounded)
		}
		if vendor == core.VendorVertex && p.VertexRequireAnchored && anchoredCount < 1 {
			out.WhyNotGrounded = ReasonNoAnchoredCitations
			return out, p.requiredFailure(vendor, out.WhyNotGrounded)
		}
		return out, nil
	}
	return out, nil
}

func (p *Policy) requiredFailure(vendor core.Vendor, reason string) error {
	p.Logger.Warn("REQUIRED grounding not satisfied", map[string]interface{}{
		"operation":        "grounding_required_failed",
		"vendor":           string(vendor),
		"why_not_grounded": reason,
	})
	return core.NewGatewayError(core.ErrKindGroundingRequiredFailed, "grounding.Evaluate",
		fmt.Sprintf("grounding required but not satisfied: %s", reason))
}
