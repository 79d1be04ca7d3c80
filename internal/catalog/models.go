package catalog

import (
	"time"
)

// Lifecycle represents the registration state of a handler version.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "active"
	LifecycleDeprecated Lifecycle = "deprecated"
	LifecycleSunset     Lifecycle = "sunset"
)

// HandlerVersion is the immutable-append metadata row for one
// (handler_id, version) pair. Rows are never deleted; sunset entries are
// retained for audit.
type HandlerVersion struct {
	HandlerID     string
	Version       string
	Lifecycle     Lifecycle
	RolloutWeight int
	SunsetAt      *time.Time
	GuideURL      string
	SchemaTags    []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveLifecycle applies time-based sunset enforcement: once the sunset
// date has passed the version is sunset regardless of the stored flag.
func (v HandlerVersion) EffectiveLifecycle(now time.Time) Lifecycle {
	if v.SunsetAt != nil && !now.Before(*v.SunsetAt) {
		return LifecycleSunset
	}
	return v.Lifecycle
}

// Routable reports whether the version may be returned by resolution.
func (v HandlerVersion) Routable(now time.Time) bool {
	return v.EffectiveLifecycle(now) == LifecycleActive
}

// ActiveVersion is a (version, weight) pair from the routable active set.
type ActiveVersion struct {
	Version string
	Weight  int
}

// TenantOverride pins a tenant to an exact handler version, bypassing
// canary routing.
type TenantOverride struct {
	TenantID      string
	HandlerID     string
	PinnedVersion string
	CreatedAt     time.Time
}

// OutcomeSample is one recorded handler execution outcome.
type OutcomeSample struct {
	HandlerID  string
	Version    string
	Success    bool
	LatencyMS  int64
	RecordedAt time.Time
}

// OutcomeStats aggregates samples for one (handler_id, version) side of a
// rollback comparison.
type OutcomeStats struct {
	Successes int
	Failures  int
}

// Total returns the number of samples behind the stats.
func (s OutcomeStats) Total() int { return s.Successes + s.Failures }

// ErrorRate returns failures over total, or 0 when no samples exist.
func (s OutcomeStats) ErrorRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}

// ReviewFlag marks a handler whose configuration needs operator attention.
type ReviewFlag struct {
	HandlerID string
	Reason    string
	FlaggedAt time.Time
}
