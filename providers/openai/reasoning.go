package openai

import "strings"

// reasoningModelPrefixes names model families that reject the temperature
// parameter and may spend output budget on internal reasoning tokens.
var reasoningModelPrefixes = []string{
	"gpt-5",
	"o1",
	"o3",
	"o4",
}

// IsReasoningModel reports whether the model belongs to a reasoning
// family. The check is case-insensitive prefix matching so future
// variants within a family are covered.
func IsReasoningModel(model string) bool {
	modelLower := strings.ToLower(model)
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(modelLower, prefix) {
			return true
		}
	}
	return false
}
