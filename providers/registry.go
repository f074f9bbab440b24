package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/itsneelabh/llmrouter/core"
)

// Factory builds an adapter for one vendor from gateway configuration.
type Factory interface {
	// Create builds an adapter. It fails when required credentials for the
	// vendor are missing.
	Create(config *core.Config, logger core.Logger) (Adapter, error)

	// Vendor names the upstream this factory serves.
	Vendor() core.Vendor

	// Description is a human-readable summary for diagnostics.
	Description() string
}

type factoryRegistry struct {
	mu        sync.RWMutex
	factories map[core.Vendor]Factory
}

var registry = &factoryRegistry{
	factories: make(map[core.Vendor]Factory),
}

// Register adds a factory to the global registry. Provider packages call
// this from init(); importing the package is what enables the vendor.
func Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	vendor := factory.Vendor()
	if vendor == "" {
		return fmt.Errorf("factory.Vendor() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.factories[vendor]; exists {
		return fmt.Errorf("provider %q already registered", vendor)
	}
	registry.factories[vendor] = factory
	return nil
}

// MustRegister registers a factory and panics on error. For init() use.
func MustRegister(factory Factory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// Get retrieves the factory for a vendor.
func Get(vendor core.Vendor) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[vendor]
	return f, ok
}

// List returns all registered vendors, sorted.
func List() []core.Vendor {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	vendors := make([]core.Vendor, 0, len(registry.factories))
	for v := range registry.factories {
		vendors = append(vendors, v)
	}
	sort.Slice(vendors, func(i, j int) bool { return vendors[i] < vendors[j] })
	return vendors
}
