package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a job in a transport-friendly format.
type JobView struct {
	ID               string            `json:"id"`
	HandlerID        string            `json:"handlerId"`
	TenantID         string            `json:"tenantId,omitempty"`
	PayloadRef       string            `json:"payloadRef"`
	WebhookURL       string            `json:"webhookUrl,omitempty"`
	Priority         int               `json:"priority"`
	State            string            `json:"state"`
	AttemptCount     int               `json:"attemptCount"`
	MaxAttempts      int               `json:"maxAttempts"`
	LastError        string            `json:"lastError,omitempty"`
	CreatedAt        string            `json:"createdAt,omitempty"`
	UpdatedAt        string            `json:"updatedAt,omitempty"`
	StateEnteredAt   string            `json:"stateEnteredAt,omitempty"`
	NotEligibleUntil string            `json:"notEligibleUntil,omitempty"`
	StageRefs        map[string]string `json:"stageRefs,omitempty"`
	ResolvedVersions []string          `json:"resolvedVersions,omitempty"`
}

// SubmitJobRequest is the payload for job submission.
type SubmitJobRequest struct {
	HandlerID   string `json:"handlerId"`
	TenantID    string `json:"tenantId,omitempty"`
	PayloadRef  string `json:"payloadRef"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// VersionView describes one registered handler version.
type VersionView struct {
	HandlerID     string   `json:"handlerId"`
	Version       string   `json:"version"`
	Lifecycle     string   `json:"lifecycle"`
	RolloutWeight int      `json:"rolloutWeight"`
	SunsetAt      string   `json:"sunsetAt,omitempty"`
	GuideURL      string   `json:"guideUrl,omitempty"`
	SchemaTags    []string `json:"schemaTags,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
}

// RegisterVersionRequest is the payload for registering a handler version.
type RegisterVersionRequest struct {
	HandlerID  string   `json:"handlerId"`
	Version    string   `json:"version"`
	Weight     int      `json:"weight"`
	SchemaTags []string `json:"schemaTags,omitempty"`
}

// DeprecateRequest is the payload for deprecating a version.
type DeprecateRequest struct {
	SunsetAt string `json:"sunsetAt"`
	GuideURL string `json:"guideUrl,omitempty"`
}

// SetWeightsRequest is the payload for a bulk rollout weight update.
type SetWeightsRequest struct {
	Weights map[string]int `json:"weights"`
}

// RollbackRequest is the payload for a manual rollback.
type RollbackRequest struct {
	ToVersion string `json:"toVersion"`
}

// OverrideRequest is the payload for pinning a tenant to a version.
type OverrideRequest struct {
	TenantID string `json:"tenantId"`
	Version  string `json:"version"`
}

// VersionListResponse wraps the versions of one handler.
type VersionListResponse struct {
	Versions []VersionView `json:"versions"`
}

// HandlerListResponse wraps the set of known handler IDs.
type HandlerListResponse struct {
	Handlers []string `json:"handlers"`
}

// ReviewFlagView surfaces a rollout configuration flagged for operators.
type ReviewFlagView struct {
	HandlerID string `json:"handlerId"`
	Reason    string `json:"reason"`
	FlaggedAt string `json:"flaggedAt,omitempty"`
}

// QueueHealth aggregates job counts by lifecycle bucket.
type QueueHealth struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Errored   int `json:"errored"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running        bool             `json:"running"`
	PID            int              `json:"pid"`
	RegistryDBPath string           `json:"registryDbPath"`
	QueueDBPath    string           `json:"queueDbPath"`
	LockFilePath   string           `json:"lockFilePath"`
	Queue          QueueHealth      `json:"queue"`
	ReviewFlags    []ReviewFlagView `json:"reviewFlags,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
