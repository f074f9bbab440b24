package openai

// Wire types for the Responses API. Only the fields the gateway reads or
// writes are modeled; everything else passes through the raw decode used
// by the grounding detector.

type apiRequest struct {
	Model           string      `json:"model"`
	Input           []inputItem `json:"input"`
	Tools           []tool      `json:"tools,omitempty"`
	ToolChoice      string      `json:"tool_choice,omitempty"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	TopP            *float64    `json:"top_p,omitempty"`
	Text            *textConfig `json:"text,omitempty"`
}

// inputItem is one conversation turn. Content is always a list of typed
// segments, never a bare string; system turns ride in the input list with
// role "system" rather than a top-level instructions field.
type inputItem struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type tool struct {
	Type string `json:"type"`
}

type textConfig struct {
	Format *textFormat `json:"format,omitempty"`
}

type textFormat struct {
	Type   string                 `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
	Strict bool                   `json:"strict,omitempty"`
}

type apiResponse struct {
	ID         string       `json:"id"`
	Model      string       `json:"model"`
	Status     string       `json:"status"`
	OutputText string       `json:"output_text"`
	Output     []outputItem `json:"output"`
	Usage      apiUsage     `json:"usage"`

	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

type outputItem struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Content []contentBlock `json:"content"`
	Summary []contentBlock `json:"summary"`
}

type contentBlock struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

type apiUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// envelope is the synthetic schema used by the TextEnvelope fallback for
// conversational models that return empty text on ungrounded JSON calls.
type envelope struct {
	Content string `json:"content"`
}

func envelopeSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{"content"},
		"additionalProperties": false,
	}
}
