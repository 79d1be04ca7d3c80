package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"extractd/internal/catalog"
	"extractd/internal/registry"
)

type stubResolver struct {
	version string
	err     error
}

func (s stubResolver) Resolve(context.Context, string, string) (string, error) {
	return s.version, s.err
}

type stubRecorder struct {
	mu       sync.Mutex
	outcomes []bool
}

func (s *stubRecorder) Record(_, _ string, success bool, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, success)
}

func TestGetHandlerBuildsAndCachesInstance(t *testing.T) {
	built := 0
	reg := registry.New(stubResolver{version: "1.0.0"}, nil)
	reg.Bind("pdf-extract", "1.0.0", func() (registry.Handler, error) {
		built++
		return registry.HandlerFunc(func(_ context.Context, data []byte) (registry.Result, error) {
			return registry.Result{Output: data}, nil
		}), nil
	})

	for i := 0; i < 3; i++ {
		handler, version, err := reg.GetHandler(context.Background(), "pdf-extract", "")
		if err != nil {
			t.Fatalf("GetHandler: %v", err)
		}
		if version != "1.0.0" {
			t.Fatalf("expected version 1.0.0, got %s", version)
		}
		result, err := handler.Process(context.Background(), []byte("payload"))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if string(result.Output) != "payload" {
			t.Fatalf("unexpected output %q", result.Output)
		}
	}
	if built != 1 {
		t.Fatalf("expected factory called once, got %d", built)
	}
}

func TestGetHandlerPropagatesResolutionErrors(t *testing.T) {
	resolveErr := &catalog.NoActiveVersionError{HandlerID: "pdf-extract"}
	reg := registry.New(stubResolver{err: resolveErr}, nil)

	_, _, err := reg.GetHandler(context.Background(), "pdf-extract", "")
	var noActive *catalog.NoActiveVersionError
	if !errors.As(err, &noActive) {
		t.Fatalf("expected NoActiveVersionError to propagate, got %v", err)
	}
	if !catalog.IsResolutionError(err) {
		t.Fatal("resolution error lost its type through the registry")
	}
}

func TestGetHandlerFailsWithoutBinding(t *testing.T) {
	reg := registry.New(stubResolver{version: "1.0.0"}, nil)

	_, _, err := reg.GetHandler(context.Background(), "pdf-extract", "")
	if err == nil {
		t.Fatal("expected error for unbound handler")
	}
	if catalog.IsResolutionError(err) {
		t.Fatal("binding failure must not masquerade as a resolution error")
	}
}

func TestEvictForcesRebuild(t *testing.T) {
	built := 0
	reg := registry.New(stubResolver{version: "1.0.0"}, nil)
	reg.Bind("pdf-extract", "1.0.0", func() (registry.Handler, error) {
		built++
		return registry.HandlerFunc(func(_ context.Context, data []byte) (registry.Result, error) {
			return registry.Result{}, nil
		}), nil
	})

	if _, _, err := reg.GetHandler(context.Background(), "pdf-extract", ""); err != nil {
		t.Fatalf("GetHandler: %v", err)
	}
	reg.Evict("pdf-extract", "1.0.0")
	if _, _, err := reg.GetHandler(context.Background(), "pdf-extract", ""); err != nil {
		t.Fatalf("GetHandler after evict: %v", err)
	}
	if built != 2 {
		t.Fatalf("expected rebuild after evict, factory ran %d times", built)
	}
}

func TestRebindDropsCachedInstance(t *testing.T) {
	reg := registry.New(stubResolver{version: "1.0.0"}, nil)
	reg.Bind("pdf-extract", "1.0.0", func() (registry.Handler, error) {
		return registry.HandlerFunc(func(context.Context, []byte) (registry.Result, error) {
			return registry.Result{Output: []byte("old")}, nil
		}), nil
	})
	if _, _, err := reg.GetHandler(context.Background(), "pdf-extract", ""); err != nil {
		t.Fatalf("GetHandler: %v", err)
	}

	reg.Bind("pdf-extract", "1.0.0", func() (registry.Handler, error) {
		return registry.HandlerFunc(func(context.Context, []byte) (registry.Result, error) {
			return registry.Result{Output: []byte("new")}, nil
		}), nil
	})
	handler, _, err := reg.GetHandler(context.Background(), "pdf-extract", "")
	if err != nil {
		t.Fatalf("GetHandler after rebind: %v", err)
	}
	result, _ := handler.Process(context.Background(), nil)
	if string(result.Output) != "new" {
		t.Fatalf("expected rebound handler, got %q", result.Output)
	}
}

func TestReportOutcomeForwardsToRecorder(t *testing.T) {
	recorder := &stubRecorder{}
	reg := registry.New(stubResolver{version: "1.0.0"}, recorder)

	reg.ReportOutcome("pdf-extract", "1.0.0", true, 100*time.Millisecond)
	reg.ReportOutcome("pdf-extract", "1.0.0", false, 200*time.Millisecond)

	if len(recorder.outcomes) != 2 || !recorder.outcomes[0] || recorder.outcomes[1] {
		t.Fatalf("unexpected recorded outcomes %v", recorder.outcomes)
	}
}
