// Package grounding decides whether a generation actually used web search
// and enforces the OFF / AUTO / REQUIRED policy around that evidence.
package grounding

import "strings"

// Signals summarizes the grounding evidence found in one provider response.
type Signals struct {
	GroundedEffective bool
	ToolCallCount     int
	AnnotationCount   int
}

// openAIToolTypes are output item types that attest a tool invocation.
var openAIToolTypes = map[string]bool{
	"web_search_call":   true,
	"web_search_result": true,
	"tool_use":          true,
	"tool_result":       true,
	"function_call":     true,
	"function_result":   true,
}

// openAIAnnotationTypes are inline annotation types that attest citations.
var openAIAnnotationTypes = map[string]bool{
	"url_citation": true,
	"web_result":   true,
	"citation":     true,
	"url":          true,
	"reference":    true,
}

// DetectOpenAI scans a Responses API payload for grounding evidence. Each
// tool-typed output item counts as a tool call; each recognized annotation
// on a message content block counts separately. Any match means the
// generation was effectively grounded.
func DetectOpenAI(resp map[string]interface{}) Signals {
	var sig Signals
	for _, item := range asSlice(resp["output"]) {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		if openAIToolTypes[typ] || strings.HasPrefix(typ, "web_search_preview") {
			sig.ToolCallCount++
			continue
		}
		if typ != "message" {
			continue
		}
		for _, block := range asSlice(m["content"]) {
			bm, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			for _, ann := range asSlice(bm["annotations"]) {
				am, ok := ann.(map[string]interface{})
				if !ok {
					continue
				}
				at, _ := am["type"].(string)
				if openAIAnnotationTypes[at] {
					sig.AnnotationCount++
				}
			}
		}
	}
	sig.GroundedEffective = sig.ToolCallCount > 0 || sig.AnnotationCount > 0
	return sig
}

// vertexEvidenceKeys are grounding_metadata fields whose presence attests
// that search ran, in both snake_case and camelCase spellings.
var vertexEvidenceKeys = []string{
	"grounding_chunks", "groundingChunks",
	"search_entry_point", "searchEntryPoint",
	"citations",
	"retrieved_contexts", "retrievedContexts",
	"supporting_evidence", "supportingEvidence",
}

// DetectVertex scans a GenerateContent payload for grounding evidence in
// each candidate's grounding metadata. The tool call count is the number
// of web search queries, or 1 when other evidence is present without them.
func DetectVertex(resp map[string]interface{}) Signals {
	var sig Signals
	for _, cand := range asSlice(resp["candidates"]) {
		cm, ok := cand.(map[string]interface{})
		if !ok {
			continue
		}
		gm := asMap(cm["grounding_metadata"])
		if gm == nil {
			gm = asMap(cm["groundingMetadata"])
		}
		if gm == nil {
			continue
		}

		queries := asSlice(gm["web_search_queries"])
		if queries == nil {
			queries = asSlice(gm["webSearchQueries"])
		}
		if len(queries) > 0 {
			sig.GroundedEffective = true
			sig.ToolCallCount += len(queries)
			continue
		}
		for _, key := range vertexEvidenceKeys {
			if hasEvidence(gm[key]) {
				sig.GroundedEffective = true
				sig.ToolCallCount++
				break
			}
		}
	}
	return sig
}

// hasEvidence reports whether a metadata value is a meaningful presence:
// a non-empty list, a non-empty map, or any other non-nil scalar.
func hasEvidence(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
