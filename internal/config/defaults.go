package config

const (
	defaultDataDir              = "~/.local/share/extractd/data"
	defaultLogDir               = "~/.local/share/extractd/logs"
	defaultArtifactDir          = "~/.local/share/extractd/artifacts"
	defaultAPIBind              = "127.0.0.1:7519"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultConcurrency          = 4
	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 10
	defaultMaxAttempts          = 3
	defaultMaxProcessingSeconds = 900
	defaultCanaryWindowHours    = 24
	defaultCanaryThreshold      = 0.05
	defaultCanaryMinSamples     = 100
	defaultSnapshotTTLSeconds   = 30
	defaultRetentionHours       = 48
	defaultHealthCheckSchedule  = "@hourly"
	defaultSweepSchedule        = "@every 1m"
	defaultPruneSchedule        = "@every 6h"
	defaultWebhookTimeout       = 10
)

func defaultRetryBackoffSeconds() []int {
	return []int{60, 300, 900}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
			APIBind:     defaultAPIBind,
		},
		Workflow: Workflow{
			Concurrency:          defaultConcurrency,
			QueuePollInterval:    defaultQueuePollInterval,
			ErrorRetryInterval:   defaultErrorRetryInterval,
			MaxAttempts:          defaultMaxAttempts,
			RetryBackoffSeconds:  defaultRetryBackoffSeconds(),
			MaxProcessingSeconds: defaultMaxProcessingSeconds,
		},
		Canary: Canary{
			WindowHours:         defaultCanaryWindowHours,
			ErrorThreshold:      defaultCanaryThreshold,
			MinSamples:          defaultCanaryMinSamples,
			SnapshotTTLSeconds:  defaultSnapshotTTLSeconds,
			RetentionHours:      defaultRetentionHours,
			HealthCheckSchedule: defaultHealthCheckSchedule,
			SweepSchedule:       defaultSweepSchedule,
			PruneSchedule:       defaultPruneSchedule,
		},
		Webhooks: Webhooks{
			Enabled:        true,
			RequestTimeout: defaultWebhookTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
