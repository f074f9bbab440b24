// Package vertex implements the Vertex/Gemini GenerateContent adapter.
package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/llmrouter/citations"
	"github.com/itsneelabh/llmrouter/core"
	"github.com/itsneelabh/llmrouter/grounding"
	"github.com/itsneelabh/llmrouter/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// emitResultName is the synthetic function used for Forced Function
	// Calling on grounded+JSON calls: the model delivers its final answer
	// as arguments to this function in the same call that ran search.
	emitResultName = "emit_result"
)

// safetyCategories get the block-only-high threshold to minimize false
// positive blocks on benign prompts.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Client talks to the Vertex/Gemini GenerateContent API.
type Client struct {
	*providers.BaseClient

	apiKey    string
	baseURL   string
	region    string
	config    *core.Config
	policy    *grounding.Policy
	extractor *citations.Extractor
}

// NewClient creates a GenerateContent adapter.
func NewClient(apiKey, baseURL, region string, config *core.Config, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if config == nil {
		config = core.DefaultConfig()
	}
	return &Client{
		BaseClient: providers.NewBaseClient("vertex", 10*time.Minute, logger),
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		region:     region,
		config:     config,
		policy:     grounding.NewPolicy(config.Flags.VertexRequireAnchored, logger),
		extractor: citations.NewExtractor(citations.ExtractorConfig{
			EmitUnlinked: config.Flags.CitationExtractorEmitUnlinked,
		}),
	}
}

// Vendor identifies this adapter.
func (c *Client) Vendor() core.Vendor { return core.VendorVertex }

// HealthCheck probes the models listing endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.CheckHealth(ctx, c.baseURL+"/models?key="+c.apiKey)
}

// Complete executes one attempt against GenerateContent.
func (c *Client) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	mode := req.EffectiveGroundingMode()
	resp := &core.Response{}
	resp.Metadata.Region = c.region

	payload, err := c.buildPayload(req)
	if err != nil {
		return resp, err
	}

	c.Logger.Debug("Dispatching GenerateContent call", map[string]interface{}{
		"operation":      "vertex_request",
		"provider":       "vertex",
		"model":          req.Model,
		"grounded":       req.Grounded,
		"grounding_mode": string(mode),
		"json_mode":      req.JSONMode,
	})

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	headers := map[string]string{"x-goog-api-key": c.apiKey}
	status, body, header, err := c.PostJSON(ctx, url, headers, payload)
	if err != nil {
		return resp, err
	}
	if status >= 400 {
		return resp, c.HandleError("vertex.Complete", status, body, header)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return resp, core.WrapGatewayError(core.ErrKindInternal, "vertex.Complete", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return resp, core.WrapGatewayError(core.ErrKindInternal, "vertex.Complete", err)
	}
	sig := grounding.DetectVertex(raw)

	text, usedEmitResult := extractText(&parsed)
	exres := c.extractor.Extract(citationCandidates(&parsed), text)

	resp.Content = text
	resp.ModelVersion = parsed.ModelVersion
	resp.Usage = core.Usage{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		ReasoningTokens:  parsed.UsageMetadata.ThoughtsTokenCount,
	}
	resp.Citations = exres.Citations
	resp.Metadata.ToolCallCount = sig.ToolCallCount
	resp.Metadata.AnchoredCitations = exres.AnchoredCount
	resp.Metadata.UnlinkedSources = exres.UnlinkedCount
	resp.Metadata.AnchoredCoveragePct = exres.AnchoredCoveragePct
	resp.Metadata.FinishReasons = finishReasons(&parsed)
	if parsed.PromptFeedback != nil {
		resp.Metadata.BlockReason = parsed.PromptFeedback.BlockReason
	}
	if usedEmitResult {
		resp.Metadata.TextSource = "function_call"
	} else if text != "" {
		resp.Metadata.TextSource = "parts"
	}

	// Safety blocks and empty parts are reported, not raised. Success with
	// empty content plus the finish reasons lets the caller decide.
	if text == "" {
		resp.ErrorKind = core.ErrKindEmptyCompletion
		c.Logger.Warn("Empty candidate text", map[string]interface{}{
			"operation":      "vertex_empty_text",
			"provider":       "vertex",
			"model":          req.Model,
			"finish_reasons": resp.Metadata.FinishReasons,
			"block_reason":   resp.Metadata.BlockReason,
		})
	}

	outcome, perr := c.policy.Evaluate(mode, core.VendorVertex, sig, exres.AnchoredCount)
	resp.GroundedEffective = outcome.GroundedEffective
	resp.Metadata.WhyNotGrounded = outcome.WhyNotGrounded
	resp.Metadata.GroundingAnomaly = outcome.Anomaly
	if perr != nil {
		return resp, perr
	}
	return resp, nil
}

// buildPayload maps the unified request to GenerateContent. The contents
// shape is strict: one optional system instruction and exactly one user
// turn. Assistant turns are rejected here to preserve auditability.
func (c *Client) buildPayload(req *core.Request) (*apiRequest, error) {
	payload := &apiRequest{
		GenerationConfig: &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: c.outputTokenBudget(req),
			Seed:            req.Seed,
		},
	}

	var systemParts []part
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			systemParts = append(systemParts, part{Text: m.Content})
		case core.RoleUser:
			payload.Contents = append(payload.Contents, content{
				Role:  "user",
				Parts: []part{{Text: m.Content}},
			})
		default:
			return nil, core.NewGatewayError(core.ErrKindInvalidRequest, "vertex.Complete",
				fmt.Sprintf("role %q is not accepted by the vertex adapter", m.Role))
		}
	}
	if len(systemParts) > 0 {
		payload.SystemInstruction = &content{Parts: systemParts}
	}

	for _, category := range safetyCategories {
		payload.SafetySettings = append(payload.SafetySettings, safetySetting{
			Category:  category,
			Threshold: "BLOCK_ONLY_HIGH",
		})
	}

	switch {
	case req.Grounded && req.JSONMode:
		// Forced Function Calling: search and structured output in one
		// call. The final answer arrives as emit_result arguments.
		if req.JSONSchema == nil {
			return nil, core.NewGatewayError(core.ErrKindGroundedJSONUnsupported, "vertex.Complete",
				"grounded JSON output requires a schema")
		}
		payload.Tools = []toolDecl{
			{GoogleSearch: &struct{}{}},
			{FunctionDeclarations: []functionDeclaration{{
				Name:        emitResultName,
				Description: "Deliver the final structured answer.",
				Parameters:  req.JSONSchema,
			}}},
		}
		payload.ToolConfig = &toolConfig{
			FunctionCallingConfig: functionCallingConfig{
				Mode:                 "ANY",
				AllowedFunctionNames: []string{emitResultName},
			},
		}
	case req.Grounded:
		payload.Tools = []toolDecl{{GoogleSearch: &struct{}{}}}
		if req.EffectiveGroundingMode() == core.GroundingRequired {
			payload.ToolConfig = &toolConfig{
				FunctionCallingConfig: functionCallingConfig{Mode: "ANY"},
			}
		}
	case req.JSONMode:
		payload.GenerationConfig.ResponseMimeType = "application/json"
		payload.GenerationConfig.ResponseSchema = req.JSONSchema
	}
	return payload, nil
}

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

// extractText walks candidate parts. An emit_result function call wins
// over plain text: its arguments serialize to the content payload.
func extractText(parsed *apiResponse) (string, bool) {
	var sb strings.Builder
	for _, cand := range parsed.Candidates {
		for _, p := range cand.Content.Parts {
			if p.FunctionCall != nil && p.FunctionCall.Name == emitResultName {
				if args, err := json.Marshal(p.FunctionCall.Args); err == nil {
					return string(args), true
				}
			}
			if p.Text != "" {
				sb.WriteString(p.Text)
			}
		}
	}
	return sb.String(), false
}

// citationCandidates turns grounding chunks into extractor candidates.
// Chunks referenced by a span support are anchored with that span.
func citationCandidates(parsed *apiResponse) []citations.Candidate {
	var cands []citations.Candidate
	for _, cand := range parsed.Candidates {
		gm := cand.GroundingMetadata
		if gm == nil {
			continue
		}

		type anchor struct {
			start, end int
		}
		anchors := make(map[int]anchor)
		for _, sup := range gm.GroundingSupports {
			if sup.Segment == nil || sup.Segment.EndIndex <= sup.Segment.StartIndex {
				continue
			}
			for _, idx := range sup.GroundingChunkIndices {
				if _, seen := anchors[idx]; !seen {
					anchors[idx] = anchor{sup.Segment.StartIndex, sup.Segment.EndIndex}
				}
			}
		}

		for i, chunk := range gm.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			c := citations.Candidate{
				URI:       chunk.Web.URI,
				Title:     chunk.Web.Title,
				SourceRef: fmt.Sprintf("chunk:%d", i),
				SpanStart: -1,
				SpanEnd:   -1,
			}
			if a, ok := anchors[i]; ok {
				c.Anchored = true
				c.SpanStart = a.start
				c.SpanEnd = a.end
			}
			cands = append(cands, c)
		}
	}
	return cands
}

func finishReasons(parsed *apiResponse) []string {
	var reasons []string
	for _, cand := range parsed.Candidates {
		if cand.FinishReason != "" {
			reasons = append(reasons, cand.FinishReason)
		}
	}
	return reasons
}
