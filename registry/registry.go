// Package registry maintains the per-vendor model allow-lists, normalization
// rules, and vendor inference. Unknown models fail loudly with remediation
// guidance; the registry never rewrites a model silently.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itsneelabh/llmrouter/core"
)

// Registry holds the allow-listed model identifiers per vendor plus the
// web-search capability cache populated by adapter probes.
type Registry struct {
	mu      sync.RWMutex
	allowed map[core.Vendor]map[string]bool
	// webSearch caches per-model web-search support learned from probes
	// or hard 400s. Keys are normalized model ids.
	webSearch map[string]bool
	logger    core.Logger
}

// New builds a Registry from configuration allow-lists.
func New(cfg *core.Config, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{
		allowed:   make(map[core.Vendor]map[string]bool),
		webSearch: make(map[string]bool),
		logger:    logger,
	}
	for _, vendor := range core.KnownVendors {
		set := make(map[string]bool)
		for _, m := range cfg.AllowedModels(vendor) {
			set[Normalize(vendor, m)] = true
		}
		r.allowed[vendor] = set
	}
	return r
}

// Normalize strips vendor-specific resource prefixes while preserving case
// on the model id itself. Vendor names are always lowercased.
func Normalize(vendor core.Vendor, model string) string {
	model = strings.TrimSpace(model)
	switch core.Vendor(strings.ToLower(string(vendor))) {
	case core.VendorVertex:
		// Accept fully-qualified Vertex resource names:
		//   projects/p/locations/l/publishers/google/models/gemini-2.5-pro
		//   publishers/google/models/gemini-2.5-pro
		//   models/gemini-2.5-pro
		if idx := strings.LastIndex(model, "/models/"); idx >= 0 {
			model = model[idx+len("/models/"):]
		}
		model = strings.TrimPrefix(model, "models/")
	case core.VendorOpenAI:
		model = strings.TrimPrefix(model, "openai/")
	}
	return model
}

// InferVendor guesses the vendor from a bare model id. Returns "" when the
// id matches no known family; callers must then require an explicit vendor.
func InferVendor(model string) core.Vendor {
	m := strings.ToLower(Normalize("", model))
	switch {
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "chatgpt-"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return core.VendorOpenAI
	case strings.HasPrefix(m, "gemini"),
		strings.Contains(strings.ToLower(model), "publishers/google/"):
		return core.VendorVertex
	}
	return ""
}

// Validate checks vendor and model against the allow-list. The error message
// lists the current allow-list so operators know what to update.
func (r *Registry) Validate(vendor core.Vendor, model string) error {
	vendor = core.Vendor(strings.ToLower(string(vendor)))
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.allowed[vendor]
	if !ok {
		return core.NewGatewayError(core.ErrKindInvalidRequest, "registry.Validate",
			fmt.Sprintf("unknown vendor %q (known: openai, vertex)", vendor))
	}
	normalized := Normalize(vendor, model)
	if !set[normalized] {
		return core.NewGatewayError(core.ErrKindModelNotAllowed, "registry.Validate",
			fmt.Sprintf("model %q is not allow-listed for vendor %s; current allow-list: %s. Update the vendor allow-list to use this model",
				model, vendor, strings.Join(r.allowedList(vendor), ", ")))
	}
	return nil
}

// allowedList returns the sorted-by-insertion allow-list for error text.
// Caller must hold at least the read lock.
func (r *Registry) allowedList(vendor core.Vendor) []string {
	out := make([]string, 0, len(r.allowed[vendor]))
	for m := range r.allowed[vendor] {
		out = append(out, m)
	}
	return out
}

// WebSearchSupport reports cached web-search capability for a model.
// known=false means no probe result has been recorded yet.
func (r *Registry) WebSearchSupport(vendor core.Vendor, model string) (supported, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	supported, known = r.webSearch[capabilityKey(vendor, model)]
	return supported, known
}

// RecordWebSearchSupport stores a probe result so REQUIRED calls against a
// model with no web-search support fail fast with GROUNDING_NOT_SUPPORTED.
func (r *Registry) RecordWebSearchSupport(vendor core.Vendor, model string, supported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webSearch[capabilityKey(vendor, model)] = supported
	r.logger.Debug("Recorded web search capability", map[string]interface{}{
		"operation": "capability_probe_record",
		"vendor":    string(vendor),
		"model":     model,
		"supported": supported,
	})
}

func capabilityKey(vendor core.Vendor, model string) string {
	return string(vendor) + ":" + Normalize(vendor, model)
}
