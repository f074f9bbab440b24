package openai

import (
	"fmt"

	"github.com/itsneelabh/llmrouter/core"
	"github.com/itsneelabh/llmrouter/providers"
)

// Factory implements providers.Factory for the OpenAI-style vendor.
type Factory struct{}

// Create builds the adapter from gateway configuration.
func (f *Factory) Create(config *core.Config, logger core.Logger) (providers.Adapter, error) {
	if config.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", core.ErrMissingConfiguration)
	}
	return NewClient(config.OpenAI.APIKey, config.OpenAI.BaseURL, config, logger), nil
}

// Vendor names the upstream.
func (f *Factory) Vendor() core.Vendor { return core.VendorOpenAI }

// Description summarizes the adapter for diagnostics.
func (f *Factory) Description() string {
	return "OpenAI-style Responses API (web_search grounding, strict JSON schema)"
}

func init() {
	providers.MustRegister(&Factory{})
}
