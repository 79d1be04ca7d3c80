package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeCanary()
	c.normalizeWebhooks()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		c.Paths.ArtifactDir = defaultArtifactDir
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("EXTRACTD_API_TOKEN"); ok {
			c.Paths.APIToken = value
		}
	}
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Concurrency <= 0 {
		c.Workflow.Concurrency = defaultConcurrency
	}
	if len(c.Workflow.RetryBackoffSeconds) == 0 {
		c.Workflow.RetryBackoffSeconds = defaultRetryBackoffSeconds()
	}
}

func (c *Config) normalizeCanary() {
	if c.Canary.SnapshotTTLSeconds <= 0 {
		c.Canary.SnapshotTTLSeconds = defaultSnapshotTTLSeconds
	}
	if strings.TrimSpace(c.Canary.HealthCheckSchedule) == "" {
		c.Canary.HealthCheckSchedule = defaultHealthCheckSchedule
	}
	if strings.TrimSpace(c.Canary.SweepSchedule) == "" {
		c.Canary.SweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(c.Canary.PruneSchedule) == "" {
		c.Canary.PruneSchedule = defaultPruneSchedule
	}
}

func (c *Config) normalizeWebhooks() {
	if c.Webhooks.RequestTimeout <= 0 {
		c.Webhooks.RequestTimeout = defaultWebhookTimeout
	}
	c.Webhooks.OperatorURL = strings.TrimSpace(c.Webhooks.OperatorURL)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
