// Package providers defines the adapter contract between the router and
// vendor-specific clients, plus the shared HTTP plumbing they build on.
package providers

import (
	"context"

	"github.com/itsneelabh/llmrouter/core"
)

// Adapter is one vendor's client. Complete performs a single upstream
// attempt: the retry engine and circuit breaker live above it in the
// router, so an adapter never retries transport failures itself. The one
// exception is same-call variant negotiation (tool renames, envelope
// fallback), which is part of shaping a single logical attempt.
//
// On failure Complete returns a *core.GatewayError carrying the taxonomy
// kind and the upstream status; the partial response, when non-nil,
// carries whatever metadata was established before the failure.
type Adapter interface {
	// Complete executes the request against the upstream API.
	Complete(ctx context.Context, req *core.Request) (*core.Response, error)

	// Vendor identifies the upstream this adapter talks to.
	Vendor() core.Vendor

	// HealthCheck verifies reachability of the upstream endpoint. Results
	// are cached briefly; see BaseClient.
	HealthCheck(ctx context.Context) error
}
