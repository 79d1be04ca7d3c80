package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"extractd/internal/catalog"
)

// Catalog is the slice of the version catalog the router consumes.
type Catalog interface {
	Active(ctx context.Context, handlerID string) ([]catalog.ActiveVersion, error)
	Get(ctx context.Context, handlerID, version string) (*catalog.HandlerVersion, error)
	TenantOverrideFor(ctx context.Context, tenantID, handlerID string) (*catalog.TenantOverride, error)
}

// Rand is the injected randomness source so routing is reproducible under
// test. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Option configures optional Router behavior.
type Option func(*Router)

// WithRand replaces the default PRNG.
func WithRand(rng Rand) Option {
	return func(r *Router) {
		r.rng = rng
	}
}

// WithSnapshotTTL bounds how stale a cached active set may be. Routing is
// probabilistic, so slightly stale weights are tolerated by design.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(r *Router) {
		r.snapshotTTL = ttl
	}
}

// WithClock replaces the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

type snapshot struct {
	versions  []catalog.ActiveVersion
	fetchedAt time.Time
}

// Router selects a handler version per resolution call: tenant pins first,
// then weighted-random selection over the active set.
type Router struct {
	catalog     Catalog
	snapshotTTL time.Duration
	now         func() time.Time

	mu        sync.Mutex
	rng       Rand
	snapshots map[string]snapshot
}

// New constructs a router over the given catalog.
func New(cat Catalog, opts ...Option) *Router {
	r := &Router{
		catalog:     cat,
		snapshotTTL: 30 * time.Second,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		snapshots:   make(map[string]snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the version that should process the next execution for
// handlerID. A tenant pin short-circuits canary routing but still enforces
// sunset. With no pin, a uniform draw in [1,100] walks the active versions
// in ascending semver order accumulating weight.
func (r *Router) Resolve(ctx context.Context, handlerID, tenantID string) (string, error) {
	if tenantID != "" {
		override, err := r.catalog.TenantOverrideFor(ctx, tenantID, handlerID)
		if err != nil {
			return "", err
		}
		if override != nil {
			return r.resolvePinned(ctx, handlerID, override.PinnedVersion)
		}
	}

	versions, err := r.activeSnapshot(ctx, handlerID)
	if err != nil {
		return "", err
	}

	total := 0
	for _, v := range versions {
		total += v.Weight
	}
	if len(versions) == 0 || total == 0 {
		return "", &catalog.NoActiveVersionError{HandlerID: handlerID}
	}

	r.mu.Lock()
	draw := r.rng.Intn(total) + 1
	r.mu.Unlock()

	cumulative := 0
	for _, v := range versions {
		cumulative += v.Weight
		if cumulative >= draw {
			return v.Version, nil
		}
	}
	// Unreachable while weights sum to total, but fail closed.
	return versions[len(versions)-1].Version, nil
}

// Invalidate drops the cached active set for a handler. Called after weight
// changes so rollbacks take effect without waiting out the TTL.
func (r *Router) Invalidate(handlerID string) {
	r.mu.Lock()
	delete(r.snapshots, handlerID)
	r.mu.Unlock()
}

func (r *Router) resolvePinned(ctx context.Context, handlerID, pinned string) (string, error) {
	version, err := r.catalog.Get(ctx, handlerID, pinned)
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	if version.SunsetAt != nil && !now.Before(*version.SunsetAt) {
		return "", &catalog.SunsetVersionError{
			HandlerID: handlerID,
			Version:   pinned,
			SunsetAt:  *version.SunsetAt,
			GuideURL:  version.GuideURL,
		}
	}
	return pinned, nil
}

func (r *Router) activeSnapshot(ctx context.Context, handlerID string) ([]catalog.ActiveVersion, error) {
	now := r.now()

	r.mu.Lock()
	cached, ok := r.snapshots[handlerID]
	r.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < r.snapshotTTL {
		return cached.versions, nil
	}

	versions, err := r.catalog.Active(ctx, handlerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.snapshots[handlerID] = snapshot{versions: versions, fetchedAt: now}
	r.mu.Unlock()
	return versions, nil
}
