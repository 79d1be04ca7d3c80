package testsupport

import (
	"path/filepath"
	"testing"

	"extractd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Webhooks.Enabled = false

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxAttempts overrides the attempt budget on the test config.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.MaxAttempts = attempts
	}
}

// WithBackoffSeconds overrides the retry backoff sequence on the test config.
func WithBackoffSeconds(seconds ...int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.RetryBackoffSeconds = seconds
	}
}

// WithMaxProcessingSeconds overrides the processing ceiling on the test config.
func WithMaxProcessingSeconds(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.MaxProcessingSeconds = seconds
	}
}
