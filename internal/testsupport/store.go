package testsupport

import (
	"context"
	"testing"

	"extractd/internal/catalog"
	"extractd/internal/config"
	"extractd/internal/jobs"
)

// MustOpenCatalog opens a catalog.Store for tests and registers cleanup.
func MustOpenCatalog(t testing.TB, cfg *config.Config) *catalog.Store {
	t.Helper()

	store, err := catalog.Open(cfg)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenJobs opens a jobs.Store for tests and registers cleanup.
func MustOpenJobs(t testing.TB, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustRegister registers a handler version for tests.
func MustRegister(t testing.TB, store *catalog.Store, handlerID, version string, weight int) *catalog.HandlerVersion {
	t.Helper()

	registered, err := store.Register(context.Background(), handlerID, version, weight, nil)
	if err != nil {
		t.Fatalf("catalog.Register %s %s: %v", handlerID, version, err)
	}
	return registered
}

// MustSubmit enqueues a job for tests with sensible defaults.
func MustSubmit(t testing.TB, store *jobs.Store, handlerID, payloadRef string) *jobs.Job {
	t.Helper()

	job, err := store.Submit(context.Background(), jobs.SubmitParams{
		HandlerID:   handlerID,
		PayloadRef:  payloadRef,
		Priority:    5,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("jobs.Submit: %v", err)
	}
	return job
}
