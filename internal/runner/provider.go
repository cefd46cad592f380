// Package runner provides execution contexts and step execution for
// conveyor stages. A provider supplies isolated, labeled contexts on
// demand; contexts are never shared between concurrently running nodes.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ContextSpec describes a requested execution context. Image may vary per
// matrix cell (e.g. a runtime version axis).
type ContextSpec struct {
	Label string
	Image string
}

// ExecutionContext is an isolated environment in which steps run.
type ExecutionContext struct {
	ID      string
	Label   string
	Image   string
	WorkDir string
}

// Provider supplies execution contexts on demand. Acquire blocks until
// the provider's concurrency budget admits a new context or ctx is done.
type Provider interface {
	Acquire(ctx context.Context, spec ContextSpec) (*ExecutionContext, error)
	Release(ec *ExecutionContext)
	// ReleaseAll releases every context still held; the finalizer calls
	// it so no context leaks past the end of a run.
	ReleaseAll()
}

// LocalProvider hands out contexts backed by per-context working
// directories under a common root, bounded by a weighted semaphore.
type LocalProvider struct {
	root   string
	budget *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*ExecutionContext
}

// NewLocalProvider creates a provider with the given concurrency budget.
// Working directories are created under root.
func NewLocalProvider(root string, maxConcurrent int64) *LocalProvider {
	if maxConcurrent < 1 {
		maxConcurrent = 4
	}
	return &LocalProvider{
		root:   root,
		budget: semaphore.NewWeighted(maxConcurrent),
		active: make(map[string]*ExecutionContext),
	}
}

// Acquire blocks on the concurrency budget, then provisions a context.
func (p *LocalProvider) Acquire(ctx context.Context, spec ContextSpec) (*ExecutionContext, error) {
	if err := p.budget.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	workDir := filepath.Join(p.root, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		p.budget.Release(1)
		return nil, fmt.Errorf("provision context workdir: %w", err)
	}

	ec := &ExecutionContext{
		ID:      id,
		Label:   spec.Label,
		Image:   spec.Image,
		WorkDir: workDir,
	}

	p.mu.Lock()
	p.active[id] = ec
	p.mu.Unlock()

	return ec, nil
}

// Release returns the context's slot to the budget. The working directory
// is left for the finalizer's workspace cleanup.
func (p *LocalProvider) Release(ec *ExecutionContext) {
	if ec == nil {
		return
	}
	p.mu.Lock()
	_, held := p.active[ec.ID]
	delete(p.active, ec.ID)
	p.mu.Unlock()

	if held {
		p.budget.Release(1)
	}
}

// ReleaseAll releases every still-held context.
func (p *LocalProvider) ReleaseAll() {
	p.mu.Lock()
	leaked := make([]*ExecutionContext, 0, len(p.active))
	for _, ec := range p.active {
		leaked = append(leaked, ec)
	}
	p.mu.Unlock()

	for _, ec := range leaked {
		p.Release(ec)
	}
}

// ActiveCount returns the number of currently held contexts.
func (p *LocalProvider) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
