package health_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extractd/internal/catalog"
	"extractd/internal/health"
	"extractd/internal/logging"
)

// fakeStore is an in-memory catalog slice for monitor tests.
type fakeStore struct {
	mu       sync.Mutex
	active   map[string][]catalog.ActiveVersion
	outcomes []catalog.OutcomeSample

	rollbacks []string
	flags     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: make(map[string][]catalog.ActiveVersion)}
}

func (f *fakeStore) Active(_ context.Context, handlerID string) ([]catalog.ActiveVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[handlerID], nil
}

func (f *fakeStore) HandlerIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) AppendOutcomes(_ context.Context, samples []catalog.OutcomeSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, samples...)
	return nil
}

func (f *fakeStore) OutcomeStatsSince(_ context.Context, handlerID, version string, since time.Time) (catalog.OutcomeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := catalog.OutcomeStats{}
	for _, sample := range f.outcomes {
		if sample.HandlerID != handlerID || sample.Version != version || sample.RecordedAt.Before(since) {
			continue
		}
		if sample.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
	}
	return stats, nil
}

func (f *fakeStore) Rollback(_ context.Context, handlerID, toVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, handlerID+"->"+toVersion)
	// Mirror what the real store does: target takes 100, others drop to 0.
	updated := make([]catalog.ActiveVersion, 0, len(f.active[handlerID]))
	for _, v := range f.active[handlerID] {
		weight := 0
		if v.Version == toVersion {
			weight = 100
		}
		updated = append(updated, catalog.ActiveVersion{Version: v.Version, Weight: weight})
	}
	f.active[handlerID] = updated
	return nil
}

func (f *fakeStore) FlagReview(_ context.Context, handlerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, handlerID+": "+reason)
	return nil
}

func (f *fakeStore) PruneOutcomes(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.outcomes[:0]
	var pruned int64
	for _, sample := range f.outcomes {
		if sample.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, sample)
	}
	f.outcomes = kept
	return pruned, nil
}

type recordingEvents struct {
	mu        sync.Mutex
	rollbacks []health.RollbackEvent
	reviews   []string
}

func (r *recordingEvents) RollbackTriggered(_ context.Context, event health.RollbackEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, event)
}

func (r *recordingEvents) ReviewFlagged(_ context.Context, handlerID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, handlerID)
}

func seedOutcomes(store *fakeStore, handlerID, version string, total, failures int, at time.Time) {
	for i := 0; i < total; i++ {
		store.outcomes = append(store.outcomes, catalog.OutcomeSample{
			HandlerID:  handlerID,
			Version:    version,
			Success:    i >= failures,
			RecordedAt: at,
		})
	}
}

func TestRollbackTriggersOnDivergingCanary(t *testing.T) {
	store := newFakeStore()
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 95},
		{Version: "1.1.0", Weight: 5},
	}
	recent := time.Now().UTC().Add(-time.Hour)
	seedOutcomes(store, "pdf-extract", "1.0.0", 1000, 20, recent)  // 2% errors
	seedOutcomes(store, "pdf-extract", "1.1.0", 1000, 150, recent) // 15% errors

	events := &recordingEvents{}
	m := health.New(store, events, logging.NewNop(),
		health.WithErrorThreshold(0.05),
		health.WithMinSamples(100),
	)

	rolledBack, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.True(t, rolledBack)
	require.Len(t, store.rollbacks, 1)
	assert.Equal(t, "pdf-extract->1.0.0", store.rollbacks[0])

	require.Len(t, events.rollbacks, 1)
	event := events.rollbacks[0]
	assert.Equal(t, "1.1.0", event.CanaryVersion)
	assert.Equal(t, "1.0.0", event.StableVersion)
	assert.InDelta(t, 0.15, event.CanaryErrorRate, 0.001)
	assert.InDelta(t, 0.02, event.StableErrorRate, 0.001)
}

func TestRollbackSkippedBelowMinSamples(t *testing.T) {
	store := newFakeStore()
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 95},
		{Version: "1.1.0", Weight: 5},
	}
	recent := time.Now().UTC().Add(-time.Hour)
	// Terrible canary error rate, but too few samples to act on.
	seedOutcomes(store, "pdf-extract", "1.0.0", 1000, 20, recent)
	seedOutcomes(store, "pdf-extract", "1.1.0", 60, 30, recent)

	m := health.New(store, nil, logging.NewNop(),
		health.WithErrorThreshold(0.05),
		health.WithMinSamples(100),
	)

	rolledBack, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.False(t, rolledBack)
	assert.Empty(t, store.rollbacks)
}

func TestRollbackSkippedWithinThreshold(t *testing.T) {
	store := newFakeStore()
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 95},
		{Version: "1.1.0", Weight: 5},
	}
	recent := time.Now().UTC().Add(-time.Hour)
	seedOutcomes(store, "pdf-extract", "1.0.0", 1000, 20, recent) // 2%
	seedOutcomes(store, "pdf-extract", "1.1.0", 1000, 60, recent) // 6%, delta 4% <= 5%

	m := health.New(store, nil, logging.NewNop(),
		health.WithErrorThreshold(0.05),
		health.WithMinSamples(100),
	)

	rolledBack, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.False(t, rolledBack)
}

func TestRollbackIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 95},
		{Version: "1.1.0", Weight: 5},
	}
	recent := time.Now().UTC().Add(-time.Hour)
	seedOutcomes(store, "pdf-extract", "1.0.0", 1000, 20, recent)
	seedOutcomes(store, "pdf-extract", "1.1.0", 1000, 150, recent)

	m := health.New(store, nil, logging.NewNop())

	first, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.True(t, first)

	// After the rollback only one version carries weight, so the second
	// evaluation has nothing to decide.
	second, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.False(t, second)
	assert.Len(t, store.rollbacks, 1)
}

func TestAmbiguousRolloutIsFlaggedNotActed(t *testing.T) {
	store := newFakeStore()
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 50},
		{Version: "1.1.0", Weight: 50},
	}
	events := &recordingEvents{}
	m := health.New(store, events, logging.NewNop())

	rolledBack, err := m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.False(t, rolledBack)
	assert.Empty(t, store.rollbacks)
	require.Len(t, store.flags, 1)
	assert.Len(t, events.reviews, 1)

	// Three weighted versions are equally ambiguous.
	store.active["pdf-extract"] = []catalog.ActiveVersion{
		{Version: "1.0.0", Weight: 80},
		{Version: "1.1.0", Weight: 10},
		{Version: "1.2.0", Weight: 10},
	}
	rolledBack, err = m.CompareAndMaybeRollback(context.Background(), "pdf-extract")
	require.NoError(t, err)
	assert.False(t, rolledBack)
	assert.Len(t, store.flags, 2)
}

func TestRecordBuffersAndFlushPersists(t *testing.T) {
	store := newFakeStore()
	m := health.New(store, nil, logging.NewNop())

	m.Record("pdf-extract", "1.1.0", true, 120*time.Millisecond)
	m.Record("pdf-extract", "1.1.0", false, 300*time.Millisecond)

	require.NoError(t, m.Flush(context.Background()))
	require.Len(t, store.outcomes, 2)
	assert.Equal(t, int64(120), store.outcomes[0].LatencyMS)
	assert.False(t, store.outcomes[1].Success)
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	store := newFakeStore()
	m := health.New(store, nil, logging.NewNop(), health.WithBufferSize(2))

	for i := 0; i < 10; i++ {
		m.Record("pdf-extract", "1.1.0", true, time.Millisecond)
	}
	// The buffer held two; the rest were dropped without blocking.
	require.NoError(t, m.Flush(context.Background()))
	assert.Len(t, store.outcomes, 2)
}

func TestPruneUsesRetention(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	seedOutcomes(store, "pdf-extract", "1.0.0", 5, 0, now.Add(-72*time.Hour))
	seedOutcomes(store, "pdf-extract", "1.0.0", 3, 0, now.Add(-time.Hour))

	m := health.New(store, nil, logging.NewNop(), health.WithRetention(48*time.Hour))

	pruned, err := m.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), pruned)
}
