package resilience

import (
	"context"

	"github.com/itsneelabh/llmrouter/core"
)

// WorkerPool bounds the number of provider dispatches running at once.
// Provider SDK calls that block are confined here instead of holding an
// unbounded number of goroutines during a traffic spike.
type WorkerPool struct {
	sem    chan struct{}
	logger core.Logger
}

// NewWorkerPool creates a pool admitting size concurrent tasks.
func NewWorkerPool(size int, logger core.Logger) *WorkerPool {
	if size <= 0 {
		size = 32
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Do runs fn on a pool-bounded goroutine and waits for the result.
// Waiting for a slot and waiting for completion both honor ctx; on
// cancellation the in-flight fn keeps its own ctx and is expected to
// unwind promptly via context propagation.
func (p *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return contextError(ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-p.sem }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

// InFlight returns the number of currently occupied slots.
func (p *WorkerPool) InFlight() int {
	return len(p.sem)
}
