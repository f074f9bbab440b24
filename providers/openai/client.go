// Package openai implements the OpenAI-style Responses API adapter.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/itsneelabh/llmrouter/citations"
	"github.com/itsneelabh/llmrouter/core"
	"github.com/itsneelabh/llmrouter/grounding"
	"github.com/itsneelabh/llmrouter/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	toolWebSearch        = "web_search"
	toolWebSearchPreview = "web_search_preview"

	textSourceMessage    = "message"
	textSourceOutputText = "output_text"
	textSourceReasoning  = "reasoning_fallback"
	textSourceEnvelope   = "json_envelope_fallback"
)

// Client talks to an OpenAI-style Responses API endpoint.
type Client struct {
	*providers.BaseClient

	apiKey    string
	baseURL   string
	config    *core.Config
	policy    *grounding.Policy
	extractor *citations.Extractor
}

// NewClient creates a Responses API adapter.
func NewClient(apiKey, baseURL string, config *core.Config, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if config == nil {
		config = core.DefaultConfig()
	}
	return &Client{
		BaseClient: providers.NewBaseClient("openai", 10*time.Minute, logger),
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		config:     config,
		policy:     grounding.NewPolicy(config.Flags.VertexRequireAnchored, logger),
		extractor: citations.NewExtractor(citations.ExtractorConfig{
			EmitUnlinked: config.Flags.CitationExtractorEmitUnlinked,
		}),
	}
}

// Vendor identifies this adapter.
func (c *Client) Vendor() core.Vendor { return core.VendorOpenAI }

// HealthCheck probes the models endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.CheckHealth(ctx, c.baseURL+"/models")
}

// Complete executes one logical attempt against the Responses API. Tool
// variant negotiation and the TextEnvelope fallback are same-call retries;
// transport-level retry lives in the resiliency layer above.
func (c *Client) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	mode := req.EffectiveGroundingMode()
	resp := &core.Response{}

	payload := c.buildPayload(req, toolWebSearch)
	if req.Grounded {
		resp.Metadata.ResponseAPIVariant = toolWebSearch
	}

	c.Logger.Debug("Dispatching Responses API call", map[string]interface{}{
		"operation":      "openai_request",
		"provider":       "openai",
		"model":          req.Model,
		"grounded":       req.Grounded,
		"grounding_mode": string(mode),
		"json_mode":      req.JSONMode,
	})

	status, body, header, err := c.PostJSON(ctx, c.baseURL+"/responses", c.headers(), payload)
	if err != nil {
		return resp, err
	}

	// Variant negotiation: some deployments accept the tool only under its
	// preview name. One rename retry, recorded in metadata.
	if status == 400 && req.Grounded && c.config.Flags.AllowPreviewCompat && mentionsWebSearch(body) {
		c.Logger.Info("Retrying with web_search_preview tool variant", map[string]interface{}{
			"operation": "openai_variant_retry",
			"provider":  "openai",
			"model":     req.Model,
		})
		payload = c.buildPayload(req, toolWebSearchPreview)
		resp.Metadata.ResponseAPIVariant = toolWebSearchPreview
		status, body, header, err = c.PostJSON(ctx, c.baseURL+"/responses", c.headers(), payload)
		if err != nil {
			return resp, err
		}
		if status == 400 && mentionsWebSearch(body) {
			return resp, core.NewGatewayError(core.ErrKindGroundingNotSupported, "openai.Complete",
				"model rejected both web_search and web_search_preview tools")
		}
	}
	if status >= 400 {
		return resp, c.HandleError("openai.Complete", status, body, header)
	}

	parsed, raw, err := decodeResponse(body)
	if err != nil {
		return resp, core.WrapGatewayError(core.ErrKindInternal, "openai.Complete", err)
	}
	sig := grounding.DetectOpenAI(raw)

	text, textSource := extractText(parsed, req.Grounded)

	// TextEnvelope fallback: conversational models sometimes return empty
	// text on ungrounded JSON calls; one retry with a synthetic schema.
	if text == "" && !req.Grounded && c.config.Flags.UngroundedJSONEnvelopeFallback {
		var retryParsed *apiResponse
		text, retryParsed, err = c.envelopeRetry(ctx, req, resp)
		if err != nil {
			return resp, err
		}
		if retryParsed != nil {
			parsed = retryParsed
			textSource = textSourceEnvelope
		}
	}
	exres := c.extractor.Extract(annotationCandidates(parsed), text)

	resp.Content = text
	resp.ModelVersion = parsed.Model
	resp.Usage = core.Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
		ReasoningTokens:  parsed.Usage.OutputTokensDetails.ReasoningTokens,
	}
	resp.Citations = exres.Citations
	if text != "" {
		resp.Metadata.TextSource = textSource
	}
	resp.Metadata.ToolCallCount = sig.ToolCallCount
	resp.Metadata.AnchoredCitations = exres.AnchoredCount
	resp.Metadata.UnlinkedSources = exres.UnlinkedCount
	resp.Metadata.AnchoredCoveragePct = exres.AnchoredCoveragePct
	resp.Metadata.FinishReasons = finishReasons(parsed)

	// An empty completion is a success with empty content; the kind flag
	// surfaces in telemetry, not as an error to the caller.
	if text == "" {
		resp.ErrorKind = core.ErrKindEmptyCompletion
		c.Logger.Warn("Empty completion text", map[string]interface{}{
			"operation":      "openai_empty_text",
			"provider":       "openai",
			"model":          req.Model,
			"finish_reasons": resp.Metadata.FinishReasons,
		})
	}

	outcome, perr := c.policy.Evaluate(mode, core.VendorOpenAI, sig, exres.AnchoredCount)
	resp.GroundedEffective = outcome.GroundedEffective
	resp.Metadata.WhyNotGrounded = outcome.WhyNotGrounded
	resp.Metadata.GroundingAnomaly = outcome.Anomaly
	if perr != nil {
		return resp, perr
	}
	return resp, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// buildPayload maps the unified request onto the Responses API shape.
func (c *Client) buildPayload(req *core.Request, webSearchVariant string) *apiRequest {
	payload := &apiRequest{
		Model:           req.Model,
		MaxOutputTokens: c.outputTokenBudget(req),
	}

	for _, m := range req.Messages {
		payload.Input = append(payload.Input, inputItem{
			Role:    string(m.Role),
			Content: []inputContent{{Type: "input_text", Text: m.Content}},
		})
	}

	// Reasoning-class models reject the temperature parameter.
	if !IsReasoningModel(req.Model) {
		payload.Temperature = req.Temperature
		payload.TopP = req.TopP
	}

	if req.Grounded {
		payload.Tools = []tool{{Type: webSearchVariant}}
		switch req.EffectiveGroundingMode() {
		case core.GroundingRequired:
			payload.ToolChoice = "required"
		default:
			payload.ToolChoice = "auto"
		}
	}

	if req.JSONMode {
		payload.Text = jsonTextConfig(req.JSONSchema)
	}
	return payload
}

// outputTokenBudget enforces the floor of 16 and the grounded ceiling.
func (c *Client) outputTokenBudget(req *core.Request) int {
	budget := req.MaxTokens
	if budget <= 0 {
		if req.Grounded {
			budget = c.config.GroundedMaxTokens
		} else {
			budget = 1024
		}
	}
	if budget < c.config.MinOutputTokens {
		budget = c.config.MinOutputTokens
	}
	if req.Grounded && budget > c.config.GroundedMaxTokens {
		budget = c.config.GroundedMaxTokens
	}
	return budget
}

func jsonTextConfig(schema map[string]interface{}) *textConfig {
	if schema == nil {
		return &textConfig{Format: &textFormat{Type: "json_object"}}
	}
	return &textConfig{Format: &textFormat{
		Type:   "json_schema",
		Name:   "response",
		Schema: schema,
		Strict: true,
	}}
}

// envelopeRetry re-issues the call with the synthetic {content:string}
// schema and unwraps the envelope. The retry's parsed response replaces
// the original for usage accounting.
func (c *Client) envelopeRetry(ctx context.Context, req *core.Request, resp *core.Response) (string, *apiResponse, error) {
	c.Logger.Info("Empty ungrounded completion, applying envelope fallback", map[string]interface{}{
		"operation": "openai_envelope_fallback",
		"provider":  "openai",
		"model":     req.Model,
	})

	payload := c.buildPayload(req, toolWebSearch)
	payload.Text = &textConfig{Format: &textFormat{
		Type:   "json_schema",
		Name:   "text_envelope",
		Schema: envelopeSchema(),
		Strict: true,
	}}

	status, body, header, err := c.PostJSON(ctx, c.baseURL+"/responses", c.headers(), payload)
	if err != nil {
		return "", nil, err
	}
	if status >= 400 {
		return "", nil, c.HandleError("openai.Complete", status, body, header)
	}
	parsed, _, err := decodeResponse(body)
	if err != nil {
		return "", nil, core.WrapGatewayError(core.ErrKindInternal, "openai.Complete", err)
	}

	resp.Metadata.UngroundedRetry = 1
	text, _ := extractText(parsed, false)
	if text == "" {
		return "", parsed, nil
	}
	var env envelope
	if jsonErr := json.Unmarshal([]byte(text), &env); jsonErr == nil && env.Content != "" {
		return env.Content, parsed, nil
	}
	return text, parsed, nil
}

// extractText pulls the final output text in priority order: message
// output_text blocks, the output_text convenience field, then reasoning
// summary text for ungrounded calls only.
func extractText(parsed *apiResponse, grounded bool) (string, string) {
	var sb strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			if block.Type == "output_text" && block.Text != "" {
				sb.WriteString(block.Text)
			}
		}
	}
	if sb.Len() > 0 {
		return sb.String(), textSourceMessage
	}

	if parsed.OutputText != "" {
		return parsed.OutputText, textSourceOutputText
	}

	if !grounded {
		for _, item := range parsed.Output {
			if item.Type != "reasoning" {
				continue
			}
			for _, block := range item.Summary {
				if block.Text != "" {
					sb.WriteString(block.Text)
				}
			}
		}
		if sb.Len() > 0 {
			return sb.String(), textSourceReasoning
		}
	}
	return "", ""
}

// annotationCandidates collects citation candidates from inline message
// annotations. Annotated sources are anchored by definition.
func annotationCandidates(parsed *apiResponse) []citations.Candidate {
	var cands []citations.Candidate
	offset := 0
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			for _, ann := range block.Annotations {
				if ann.URL == "" {
					continue
				}
				cand := citations.Candidate{
					URI:       ann.URL,
					Title:     ann.Title,
					SourceRef: "annotation:" + item.ID,
					Anchored:  true,
					SpanStart: -1,
					SpanEnd:   -1,
				}
				if ann.EndIndex > ann.StartIndex {
					cand.SpanStart = offset + ann.StartIndex
					cand.SpanEnd = offset + ann.EndIndex
				}
				cands = append(cands, cand)
			}
			if block.Type == "output_text" {
				offset += len(block.Text)
			}
		}
	}
	return cands
}

func finishReasons(parsed *apiResponse) []string {
	var reasons []string
	if parsed.Status != "" && parsed.Status != "completed" {
		reasons = append(reasons, parsed.Status)
	}
	if parsed.IncompleteDetails != nil && parsed.IncompleteDetails.Reason != "" {
		reasons = append(reasons, parsed.IncompleteDetails.Reason)
	}
	return reasons
}

func decodeResponse(body []byte) (*apiResponse, map[string]interface{}, error) {
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, err
	}
	return &parsed, raw, nil
}

// mentionsWebSearch reports whether an error body is about the web search
// tool, which is the trigger for variant negotiation.
func mentionsWebSearch(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("web_search"))
}
