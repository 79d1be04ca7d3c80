package api

import (
	"time"

	"extractd/internal/catalog"
	"extractd/internal/jobs"
)

// FromJob converts a persisted job into its transport form.
func FromJob(job *jobs.Job) JobView {
	view := JobView{
		ID:               job.ID,
		HandlerID:        job.HandlerID,
		TenantID:         job.TenantID,
		PayloadRef:       job.PayloadRef,
		WebhookURL:       job.WebhookURL,
		Priority:         job.Priority,
		State:            string(job.State),
		AttemptCount:     job.AttemptCount,
		MaxAttempts:      job.MaxAttempts,
		LastError:        job.LastError,
		CreatedAt:        formatTime(job.CreatedAt),
		UpdatedAt:        formatTime(job.UpdatedAt),
		StateEnteredAt:   formatTime(job.StateEnteredAt),
		StageRefs:        job.StageRefs,
		ResolvedVersions: job.ResolvedVersions,
	}
	if job.NotEligibleUntil != nil {
		view.NotEligibleUntil = formatTime(*job.NotEligibleUntil)
	}
	return view
}

// FromJobs converts a job slice into transport form.
func FromJobs(list []*jobs.Job) []JobView {
	views := make([]JobView, 0, len(list))
	for _, job := range list {
		views = append(views, FromJob(job))
	}
	return views
}

// FromVersion converts a handler version record into its transport form.
// The lifecycle reported is the effective one, so a passed sunset date
// reads as sunset even before the stored flag catches up.
func FromVersion(v catalog.HandlerVersion, now time.Time) VersionView {
	view := VersionView{
		HandlerID:     v.HandlerID,
		Version:       v.Version,
		Lifecycle:     string(v.EffectiveLifecycle(now)),
		RolloutWeight: v.RolloutWeight,
		GuideURL:      v.GuideURL,
		SchemaTags:    v.SchemaTags,
		CreatedAt:     formatTime(v.CreatedAt),
		UpdatedAt:     formatTime(v.UpdatedAt),
	}
	if v.SunsetAt != nil {
		view.SunsetAt = formatTime(*v.SunsetAt)
	}
	return view
}

// FromVersions converts a version slice into transport form.
func FromVersions(list []catalog.HandlerVersion, now time.Time) []VersionView {
	views := make([]VersionView, 0, len(list))
	for _, v := range list {
		views = append(views, FromVersion(v, now))
	}
	return views
}

// FromReviewFlags converts review flags into transport form.
func FromReviewFlags(list []catalog.ReviewFlag) []ReviewFlagView {
	views := make([]ReviewFlagView, 0, len(list))
	for _, flag := range list {
		views = append(views, ReviewFlagView{
			HandlerID: flag.HandlerID,
			Reason:    flag.Reason,
			FlaggedAt: formatTime(flag.FlaggedAt),
		})
	}
	return views
}

// FromHealth converts the queue health summary into transport form.
func FromHealth(h jobs.HealthSummary) QueueHealth {
	return QueueHealth{
		Total:     h.Total,
		Queued:    h.Queued,
		InFlight:  h.InFlight,
		Completed: h.Completed,
		Errored:   h.Errored,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
