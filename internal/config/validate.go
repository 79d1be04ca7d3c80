package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateCanary(); err != nil {
		return err
	}
	if err := c.validateWebhooks(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.concurrency":            c.Workflow.Concurrency,
		"workflow.queue_poll_interval":    c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval":   c.Workflow.ErrorRetryInterval,
		"workflow.max_attempts":           c.Workflow.MaxAttempts,
		"workflow.max_processing_seconds": c.Workflow.MaxProcessingSeconds,
	}); err != nil {
		return err
	}
	if len(c.Workflow.RetryBackoffSeconds) == 0 {
		return errors.New("workflow.retry_backoff_seconds must list at least one delay")
	}
	previous := 0
	for i, delay := range c.Workflow.RetryBackoffSeconds {
		if delay <= 0 {
			return fmt.Errorf("workflow.retry_backoff_seconds[%d] must be positive", i)
		}
		if delay < previous {
			return errors.New("workflow.retry_backoff_seconds must be non-decreasing")
		}
		previous = delay
	}
	return nil
}

func (c *Config) validateCanary() error {
	if err := ensurePositiveMap(map[string]int{
		"canary.window_hours":         c.Canary.WindowHours,
		"canary.min_samples":          c.Canary.MinSamples,
		"canary.snapshot_ttl_seconds": c.Canary.SnapshotTTLSeconds,
		"canary.retention_hours":      c.Canary.RetentionHours,
	}); err != nil {
		return err
	}
	if c.Canary.ErrorThreshold <= 0 || c.Canary.ErrorThreshold >= 1 {
		return errors.New("canary.error_threshold must be between 0 and 1 exclusive")
	}
	if c.Canary.SnapshotTTLSeconds > 60 {
		return errors.New("canary.snapshot_ttl_seconds must not exceed 60")
	}
	if c.Canary.RetentionHours < c.Canary.WindowHours {
		return errors.New("canary.retention_hours must be at least canary.window_hours")
	}
	return nil
}

func (c *Config) validateWebhooks() error {
	if !c.Webhooks.Enabled {
		return nil
	}
	if c.Webhooks.RequestTimeout <= 0 {
		return errors.New("webhooks.request_timeout must be positive")
	}
	if url := c.Webhooks.OperatorURL; url != "" {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return errors.New("webhooks.operator_url must be an http(s) URL")
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
