package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/llmrouter/core"
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.OpenAI.APIKey = "test-key"
	return cfg
}

func groundedRequest(mode core.GroundingMode) *core.Request {
	return &core.Request{
		Model:         "gpt-5",
		Messages:      []core.Message{{Role: core.RoleUser, Content: "what happened today?"}},
		Grounded:      true,
		GroundingMode: mode,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
}

const groundedSuccessBody = `{
	"id": "resp_1",
	"model": "gpt-5-2025-08-07",
	"status": "completed",
	"output": [
		{"type": "web_search_call", "id": "ws_1", "status": "completed"},
		{"type": "message", "id": "msg_1", "content": [
			{"type": "output_text", "text": "Today the ISS orbited.",
			 "annotations": [{"type": "url_citation", "url": "https://nasa.gov/iss", "title": "ISS", "start_index": 0, "end_index": 10}]}
		]}
	],
	"usage": {"input_tokens": 40, "output_tokens": 20, "total_tokens": 60}
}`

func TestCompleteGroundedRequired(t *testing.T) {
	var captured apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, http.StatusOK, groundedSuccessBody)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	resp, err := client.Complete(context.Background(), groundedRequest(core.GroundingRequired))
	require.NoError(t, err)

	assert.True(t, resp.GroundedEffective)
	assert.Equal(t, "Today the ISS orbited.", resp.Content)
	assert.Equal(t, "gpt-5-2025-08-07", resp.ModelVersion)
	assert.Equal(t, 1, resp.Metadata.ToolCallCount)
	assert.Equal(t, "web_search", resp.Metadata.ResponseAPIVariant)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "https://nasa.gov/iss", resp.Citations[0].URL)
	assert.True(t, resp.Citations[0].Anchored)
	assert.Equal(t, 60, resp.Usage.TotalTokens)

	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "web_search", captured.Tools[0].Type)
	assert.Equal(t, "required", captured.ToolChoice)
}

func TestCompleteRequiredFailsWithoutToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{
			"id": "resp_2", "model": "gpt-5", "status": "completed",
			"output": [{"type": "message", "id": "msg_1", "content": [{"type": "output_text", "text": "I think it was sunny."}]}],
			"usage": {"input_tokens": 10, "output_tokens": 8, "total_tokens": 18}
		}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	resp, err := client.Complete(context.Background(), groundedRequest(core.GroundingRequired))
	require.Error(t, err)
	assert.Equal(t, core.ErrKindGroundingRequiredFailed, core.KindOf(err))
	assert.Equal(t, "no_tool_calls", resp.Metadata.WhyNotGrounded)
	assert.False(t, resp.GroundedEffective)
}

func TestCompletePreviewVariantRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Tools, 1)
		if payload.Tools[0].Type == "web_search" {
			writeJSON(t, w, http.StatusBadRequest,
				`{"error": {"message": "tool web_search is not supported with this model"}}`)
			return
		}
		assert.Equal(t, "web_search_preview", payload.Tools[0].Type)
		writeJSON(t, w, http.StatusOK, groundedSuccessBody)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	resp, err := client.Complete(context.Background(), groundedRequest(core.GroundingAuto))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "web_search_preview", resp.Metadata.ResponseAPIVariant)
	assert.True(t, resp.GroundedEffective)
}

func TestCompleteBothVariantsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest,
			`{"error": {"message": "web_search tools are not available"}}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	_, err := client.Complete(context.Background(), groundedRequest(core.GroundingRequired))
	require.Error(t, err)
	assert.Equal(t, core.ErrKindGroundingNotSupported, core.KindOf(err))
}

func TestCompletePreviewRetryDisabledByFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest,
			`{"error": {"message": "web_search not supported"}}`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Flags.AllowPreviewCompat = false
	client := NewClient("test-key", srv.URL, cfg, nil)
	_, err := client.Complete(context.Background(), groundedRequest(core.GroundingAuto))
	require.Error(t, err)
	assert.Equal(t, core.ErrKindInvalidRequest, core.KindOf(err))
}

func TestCompleteEnvelopeFallback(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if calls == 1 {
			// Conversational model returns no text on the first try.
			writeJSON(t, w, http.StatusOK, `{
				"id": "resp_3", "model": "gpt-4o", "status": "completed",
				"output": [], "usage": {"input_tokens": 5, "output_tokens": 0, "total_tokens": 5}
			}`)
			return
		}
		require.NotNil(t, payload.Text)
		require.NotNil(t, payload.Text.Format)
		assert.Equal(t, "json_schema", payload.Text.Format.Type)
		assert.Equal(t, "text_envelope", payload.Text.Format.Name)
		writeJSON(t, w, http.StatusOK, `{
			"id": "resp_4", "model": "gpt-4o", "status": "completed",
			"output": [{"type": "message", "id": "msg_1", "content": [
				{"type": "output_text", "text": "{\"content\": \"Paris is the capital of France.\"}"}
			]}],
			"usage": {"input_tokens": 5, "output_tokens": 12, "total_tokens": 17}
		}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	req := &core.Request{
		Model:    "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: "capital of France?"}},
		JSONMode: true,
	}
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Paris is the capital of France.", resp.Content)
	assert.Equal(t, "json_envelope_fallback", resp.Metadata.TextSource)
	assert.Equal(t, 1, resp.Metadata.UngroundedRetry)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
}

func TestCompleteEmptyAfterFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{
			"id": "resp_5", "model": "gpt-4o", "status": "completed",
			"output": [], "usage": {"input_tokens": 5, "output_tokens": 0, "total_tokens": 5}
		}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, testConfig(), nil)
	req := &core.Request{
		Model:    "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, core.ErrKindEmptyCompletion, resp.ErrorKind)
	assert.Equal(t, 1, resp.Metadata.UngroundedRetry)
}

func TestCompleteEmptyOutputIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{
			"id": "resp_5b", "model": "gpt-4o", "status": "incomplete",
			"incomplete_details": {"reason": "max_output_tokens"},
			"output": [], "usage": {"input_tokens": 5, "output_tokens": 0, "total_tokens": 5}
		}`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Flags.UngroundedJSONEnvelopeFallback = false
	client := NewClient("test-key", srv.URL, cfg, nil)
	req := &core.Request{
		Model:    "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, core.ErrKindEmptyCompletion, resp.ErrorKind)
	assert.Equal(t, []string{"incomplete", "max_output_tokens"}, resp.Metadata.FinishReasons)
	assert.Equal(t, 0, resp.Metadata.UngroundedRetry)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestCompleteReasoningFallbackUngroundedOnly(t *testing.T) {
	body := `{
		"id": "resp_6", "model": "o3-mini", "status": "completed",
		"output": [{"type": "reasoning", "id": "rs_1", "summary": [{"type": "summary_text", "text": "The answer is 4."}]}],
		"usage": {"input_tokens": 5, "output_tokens": 6, "total_tokens": 11}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, body)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Flags.UngroundedJSONEnvelopeFallback = false
	client := NewClient("test-key", srv.URL, cfg, nil)

	req := &core.Request{
		Model:    "o3-mini",
		Messages: []core.Message{{Role: core.RoleUser, Content: "2+2?"}},
	}
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", resp.Content)
	assert.Equal(t, "reasoning_fallback", resp.Metadata.TextSource)
}

func TestBuildPayloadShapes(t *testing.T) {
	client := NewClient("test-key", "", testConfig(), nil)

	t.Run("turns become typed input_text items", func(t *testing.T) {
		payload := client.buildPayload(&core.Request{
			Model: "gpt-4o",
			Messages: []core.Message{
				{Role: core.RoleSystem, Content: "Be terse."},
				{Role: core.RoleUser, Content: "hi"},
			},
		}, "web_search")
		require.Len(t, payload.Input, 2)
		assert.Equal(t, "system", payload.Input[0].Role)
		require.Len(t, payload.Input[0].Content, 1)
		assert.Equal(t, "input_text", payload.Input[0].Content[0].Type)
		assert.Equal(t, "Be terse.", payload.Input[0].Content[0].Text)
		assert.Equal(t, "user", payload.Input[1].Role)
		require.Len(t, payload.Input[1].Content, 1)
		assert.Equal(t, "input_text", payload.Input[1].Content[0].Type)
		assert.Equal(t, "hi", payload.Input[1].Content[0].Text)
	})

	t.Run("reasoning models omit temperature", func(t *testing.T) {
		temp := 0.3
		payload := client.buildPayload(&core.Request{
			Model:       "gpt-5",
			Messages:    []core.Message{{Role: core.RoleUser, Content: "hi"}},
			Temperature: &temp,
		}, "web_search")
		assert.Nil(t, payload.Temperature)

		payload = client.buildPayload(&core.Request{
			Model:       "gpt-4o",
			Messages:    []core.Message{{Role: core.RoleUser, Content: "hi"}},
			Temperature: &temp,
		}, "web_search")
		require.NotNil(t, payload.Temperature)
		assert.Equal(t, 0.3, *payload.Temperature)
	})

	t.Run("token floor and grounded ceiling", func(t *testing.T) {
		payload := client.buildPayload(&core.Request{
			Model:     "gpt-4o",
			Messages:  []core.Message{{Role: core.RoleUser, Content: "hi"}},
			MaxTokens: 4,
		}, "web_search")
		assert.Equal(t, 16, payload.MaxOutputTokens)

		payload = client.buildPayload(&core.Request{
			Model:     "gpt-4o",
			Messages:  []core.Message{{Role: core.RoleUser, Content: "hi"}},
			Grounded:  true,
			MaxTokens: 50000,
		}, "web_search")
		assert.Equal(t, 6000, payload.MaxOutputTokens)
	})

	t.Run("json schema format", func(t *testing.T) {
		schema := map[string]interface{}{"type": "object"}
		payload := client.buildPayload(&core.Request{
			Model:      "gpt-4o",
			Messages:   []core.Message{{Role: core.RoleUser, Content: "hi"}},
			JSONMode:   true,
			JSONSchema: schema,
		}, "web_search")
		require.NotNil(t, payload.Text)
		assert.Equal(t, "json_schema", payload.Text.Format.Type)
		assert.True(t, payload.Text.Format.Strict)

		payload = client.buildPayload(&core.Request{
			Model:    "gpt-4o",
			Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
			JSONMode: true,
		}, "web_search")
		assert.Equal(t, "json_object", payload.Text.Format.Type)
	})
}

func TestIsReasoningModel(t *testing.T) {
	assert.True(t, IsReasoningModel("gpt-5"))
	assert.True(t, IsReasoningModel("GPT-5-mini"))
	assert.True(t, IsReasoningModel("o3-mini"))
	assert.True(t, IsReasoningModel("o1-preview"))
	assert.False(t, IsReasoningModel("gpt-4o"))
	assert.False(t, IsReasoningModel("chatgpt-4o-latest"))
}

func TestCompleteUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   core.ErrorKind
	}{
		{"auth", http.StatusUnauthorized, core.ErrKindVendorAuth},
		{"rate limited", http.StatusTooManyRequests, core.ErrKindRateLimited},
		{"unavailable", http.StatusServiceUnavailable, core.ErrKindServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "3")
				}
				writeJSON(t, w, tt.status, `{"error": {"message": "nope"}}`)
			}))
			defer srv.Close()

			client := NewClient("test-key", srv.URL, testConfig(), nil)
			req := &core.Request{
				Model:    "gpt-4o",
				Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
			}
			_, err := client.Complete(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, core.KindOf(err))
			assert.Equal(t, tt.status, core.UpstreamStatusOf(err))
		})
	}
}
