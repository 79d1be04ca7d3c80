package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Resolver picks the version that should serve a resolution call.
type Resolver interface {
	Resolve(ctx context.Context, handlerID, tenantID string) (string, error)
}

// Recorder receives execution outcomes for health accounting.
type Recorder interface {
	Record(handlerID, version string, success bool, latency time.Duration)
}

type instanceKey struct {
	handlerID string
	version   string
}

// Registry binds handler factories to catalog versions and resolves the
// concrete instance that should process an execution. Instances are cached
// per (handler_id, version) until explicitly evicted. Construct one Registry
// per process or test; there is no package-level instance.
type Registry struct {
	resolver Resolver
	recorder Recorder

	mu        sync.Mutex
	factories map[instanceKey]Factory
	instances map[instanceKey]Handler
}

// New constructs a registry routing through resolver and reporting outcomes
// to recorder. Either may be extended later via Bind/ReportOutcome.
func New(resolver Resolver, recorder Recorder) *Registry {
	return &Registry{
		resolver:  resolver,
		recorder:  recorder,
		factories: make(map[instanceKey]Factory),
		instances: make(map[instanceKey]Handler),
	}
}

// Bind associates a factory with a (handler_id, version) pair. Binding the
// same pair twice replaces the factory and drops any cached instance.
func (r *Registry) Bind(handlerID, version string, factory Factory) {
	key := instanceKey{handlerID: handlerID, version: version}
	r.mu.Lock()
	r.factories[key] = factory
	delete(r.instances, key)
	r.mu.Unlock()
}

// GetHandler resolves a version for handlerID (honoring tenant pins) and
// returns the cached handler instance for it along with the resolved
// version. Resolution errors propagate unmodified so the caller can decide
// how to fail the associated job.
func (r *Registry) GetHandler(ctx context.Context, handlerID, tenantID string) (Handler, string, error) {
	version, err := r.resolver.Resolve(ctx, handlerID, tenantID)
	if err != nil {
		return nil, "", err
	}

	handler, err := r.instance(handlerID, version)
	if err != nil {
		return nil, "", err
	}
	return handler, version, nil
}

// ReportOutcome forwards one execution outcome to the health recorder.
func (r *Registry) ReportOutcome(handlerID, version string, success bool, latency time.Duration) {
	if r.recorder != nil {
		r.recorder.Record(handlerID, version, success, latency)
	}
}

// Evict drops the cached instance for a (handler_id, version) pair. The
// factory binding stays; the next resolution rebuilds the instance.
func (r *Registry) Evict(handlerID, version string) {
	r.mu.Lock()
	delete(r.instances, instanceKey{handlerID: handlerID, version: version})
	r.mu.Unlock()
}

// EvictAll clears the whole instance cache.
func (r *Registry) EvictAll() {
	r.mu.Lock()
	r.instances = make(map[instanceKey]Handler)
	r.mu.Unlock()
}

func (r *Registry) instance(handlerID, version string) (Handler, error) {
	key := instanceKey{handlerID: handlerID, version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if handler, ok := r.instances[key]; ok {
		return handler, nil
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("no handler bound for %s %s", handlerID, version)
	}
	handler, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build handler %s %s: %w", handlerID, version, err)
	}
	r.instances[key] = handler
	return handler, nil
}
