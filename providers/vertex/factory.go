package vertex

import (
	"fmt"

	"github.com/itsneelabh/llmrouter/core"
	"github.com/itsneelabh/llmrouter/providers"
)

// Factory implements providers.Factory for the Vertex/Gemini vendor.
type Factory struct{}

// Create builds the adapter from gateway configuration.
func (f *Factory) Create(config *core.Config, logger core.Logger) (providers.Adapter, error) {
	if config.Vertex.APIKey == "" {
		return nil, fmt.Errorf("%w: VERTEX_API_KEY is not set", core.ErrMissingConfiguration)
	}
	return NewClient(config.Vertex.APIKey, config.Vertex.BaseURL, config.Vertex.Region, config, logger), nil
}

// Vendor names the upstream.
func (f *Factory) Vendor() core.Vendor { return core.VendorVertex }

// Description summarizes the adapter for diagnostics.
func (f *Factory) Description() string {
	return "Vertex/Gemini GenerateContent (GoogleSearch grounding, forced function calling)"
}

func init() {
	providers.MustRegister(&Factory{})
}
