package grounding

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestDetectOpenAIToolItems(t *testing.T) {
	resp := decode(t, `{
		"output": [
			{"type": "web_search_call", "id": "ws_1"},
			{"type": "web_search_call", "id": "ws_2"},
			{"type": "message", "content": [{"type": "output_text", "text": "answer"}]}
		]
	}`)
	sig := DetectOpenAI(resp)
	assert.True(t, sig.GroundedEffective)
	assert.Equal(t, 2, sig.ToolCallCount)
	assert.Equal(t, 0, sig.AnnotationCount)
}

func TestDetectOpenAIPreviewVariant(t *testing.T) {
	resp := decode(t, `{
		"output": [{"type": "web_search_preview_call", "id": "ws_1"}]
	}`)
	sig := DetectOpenAI(resp)
	assert.True(t, sig.GroundedEffective)
	assert.Equal(t, 1, sig.ToolCallCount)
}

func TestDetectOpenAIAnnotations(t *testing.T) {
	resp := decode(t, `{
		"output": [
			{"type": "message", "content": [
				{"type": "output_text", "text": "see source",
				 "annotations": [
					{"type": "url_citation", "url": "https://example.com/a"},
					{"type": "citation", "url": "https://example.com/b"},
					{"type": "file_path", "path": "ignored"}
				 ]}
			]}
		]
	}`)
	sig := DetectOpenAI(resp)
	assert.True(t, sig.GroundedEffective)
	assert.Equal(t, 0, sig.ToolCallCount)
	assert.Equal(t, 2, sig.AnnotationCount)
}

func TestDetectOpenAINoEvidence(t *testing.T) {
	resp := decode(t, `{
		"output": [{"type": "message", "content": [{"type": "output_text", "text": "plain"}]}]
	}`)
	sig := DetectOpenAI(resp)
	assert.False(t, sig.GroundedEffective)
	assert.Equal(t, 0, sig.ToolCallCount)

	assert.False(t, DetectOpenAI(map[string]interface{}{}).GroundedEffective)
	assert.False(t, DetectOpenAI(decode(t, `{"output": "not-a-list"}`)).GroundedEffective)
}

func TestDetectVertexWebSearchQueries(t *testing.T) {
	resp := decode(t, `{
		"candidates": [
			{"grounding_metadata": {"web_search_queries": ["q1", "q2", "q3"]}}
		]
	}`)
	sig := DetectVertex(resp)
	assert.True(t, sig.GroundedEffective)
	assert.Equal(t, 3, sig.ToolCallCount)
}

func TestDetectVertexCamelCase(t *testing.T) {
	resp := decode(t, `{
		"candidates": [
			{"groundingMetadata": {"webSearchQueries": ["q1"]}}
		]
	}`)
	sig := DetectVertex(resp)
	assert.True(t, sig.GroundedEffective)
	assert.Equal(t, 1, sig.ToolCallCount)
}

func TestDetectVertexChunksWithoutQueries(t *testing.T) {
	resp := decode(t, `{
		"candidates": [
			{"grounding_metadata": {"grounding_chunks": [{"web": {"uri": "https://a"}}]}}
		]
	}`)
	sig := DetectVertex(resp)
	assert.True(t, sig.GroundedEffective)
	// No query list: evidence still counts as one tool call.
	assert.Equal(t, 1, sig.ToolCallCount)
}

func TestDetectVertexSearchEntryPoint(t *testing.T) {
	resp := decode(t, `{
		"candidates": [
			{"groundingMetadata": {"searchEntryPoint": {"rendered_content": "<div/>"}}}
		]
	}`)
	assert.True(t, DetectVertex(resp).GroundedEffective)
}

func TestDetectVertexEmptyMetadata(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no metadata", `{"candidates": [{"content": {"parts": [{"text": "hi"}]}}]}`},
		{"empty metadata", `{"candidates": [{"grounding_metadata": {}}]}`},
		{"empty lists", `{"candidates": [{"grounding_metadata": {"web_search_queries": [], "grounding_chunks": []}}]}`},
		{"no candidates", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := DetectVertex(decode(t, tt.raw))
			assert.False(t, sig.GroundedEffective)
			assert.Equal(t, 0, sig.ToolCallCount)
		})
	}
}
