package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Workflow contains configuration for worker scheduling and retry policy.
type Workflow struct {
	Concurrency          int   `toml:"concurrency"`
	QueuePollInterval    int   `toml:"queue_poll_interval"`
	ErrorRetryInterval   int   `toml:"error_retry_interval"`
	MaxAttempts          int   `toml:"max_attempts"`
	RetryBackoffSeconds  []int `toml:"retry_backoff_seconds"`
	MaxProcessingSeconds int   `toml:"max_processing_seconds"`
}

// Canary contains configuration for version routing and automatic rollback.
type Canary struct {
	WindowHours         int     `toml:"window_hours"`
	ErrorThreshold      float64 `toml:"error_threshold"`
	MinSamples          int     `toml:"min_samples"`
	SnapshotTTLSeconds  int     `toml:"snapshot_ttl_seconds"`
	RetentionHours      int     `toml:"retention_hours"`
	HealthCheckSchedule string  `toml:"health_check_schedule"`
	SweepSchedule       string  `toml:"sweep_schedule"`
	PruneSchedule       string  `toml:"prune_schedule"`
}

// Webhooks contains configuration for job completion and rollback notifications.
type Webhooks struct {
	Enabled        bool   `toml:"enabled"`
	RequestTimeout int    `toml:"request_timeout"`
	OperatorURL    string `toml:"operator_url"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for extractd.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories, artifact root, and API bind address
//   - Workflow: worker concurrency, polling, retry and timeout policy
//   - Canary: rollout routing, rollback thresholds, and schedules
//   - Webhooks: job and rollback notification delivery
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Workflow Workflow `toml:"workflow"`
	Canary   Canary   `toml:"canary"`
	Webhooks Webhooks `toml:"webhooks"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/extractd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("extractd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) (string, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(expanded); err == nil {
		return "", fmt.Errorf("config file already exists at %s", expanded)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return "", fmt.Errorf("write sample config: %w", err)
	}
	return expanded, nil
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ArtifactDir}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
