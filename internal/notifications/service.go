package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"extractd/internal/config"
	"extractd/internal/jobs"
)

const userAgent = "Extractd-Go/0.1.0"

// Service defines the notification surface exposed to workflow components.
// Job events are delivered to the webhook URL supplied at submission; fleet
// events (rollbacks, review flags) go to the configured operator endpoint.
type Service interface {
	NotifyJobCompleted(ctx context.Context, job *jobs.Job) error
	NotifyJobFailed(ctx context.Context, job *jobs.Job) error
	NotifyRollback(ctx context.Context, handlerID, canaryVersion, stableVersion string, canaryErrorRate, stableErrorRate float64) error
	NotifyReviewFlagged(ctx context.Context, handlerID, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a webhook notification service when webhooks are enabled.
// When disabled, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if !cfg.Webhooks.Enabled {
		return noopService{}
	}

	timeout := time.Duration(cfg.Webhooks.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookService{
		operatorURL: strings.TrimSpace(cfg.Webhooks.OperatorURL),
		client:      &http.Client{Timeout: timeout},
	}
}

type webhookService struct {
	operatorURL string
	client      *http.Client
}

func (w *webhookService) NotifyJobCompleted(ctx context.Context, job *jobs.Job) error {
	return w.sendJobEvent(ctx, "job.completed", job)
}

func (w *webhookService) NotifyJobFailed(ctx context.Context, job *jobs.Job) error {
	return w.sendJobEvent(ctx, "job.failed", job)
}

func (w *webhookService) NotifyRollback(ctx context.Context, handlerID, canaryVersion, stableVersion string, canaryErrorRate, stableErrorRate float64) error {
	if w.operatorURL == "" {
		return nil
	}
	body := map[string]any{
		"event":             "canary.rollback",
		"handler_id":        handlerID,
		"canary_version":    canaryVersion,
		"stable_version":    stableVersion,
		"canary_error_rate": canaryErrorRate,
		"stable_error_rate": stableErrorRate,
		"occurred_at":       time.Now().UTC().Format(time.RFC3339),
	}
	return w.send(ctx, w.operatorURL, body)
}

func (w *webhookService) NotifyReviewFlagged(ctx context.Context, handlerID, reason string) error {
	if w.operatorURL == "" {
		return nil
	}
	body := map[string]any{
		"event":       "rollout.review_flagged",
		"handler_id":  handlerID,
		"reason":      reason,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	return w.send(ctx, w.operatorURL, body)
}

func (w *webhookService) TestNotification(ctx context.Context) error {
	if w.operatorURL == "" {
		return fmt.Errorf("no operator webhook configured")
	}
	body := map[string]any{
		"event":       "test",
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	return w.send(ctx, w.operatorURL, body)
}

func (w *webhookService) sendJobEvent(ctx context.Context, event string, job *jobs.Job) error {
	url := strings.TrimSpace(job.WebhookURL)
	if url == "" {
		return nil
	}
	body := map[string]any{
		"event":             event,
		"job_id":            job.ID,
		"handler_id":        job.HandlerID,
		"state":             string(job.State),
		"attempt_count":     job.AttemptCount,
		"resolved_versions": job.ResolvedVersions,
		"occurred_at":       time.Now().UTC().Format(time.RFC3339),
	}
	if job.TenantID != "" {
		body["tenant_id"] = job.TenantID
	}
	if job.LastError != "" {
		body["last_error"] = job.LastError
	}
	if len(job.StageRefs) > 0 {
		body["stage_refs"] = job.StageRefs
	}
	return w.send(ctx, url, body)
}

func (w *webhookService) send(ctx context.Context, url string, body map[string]any) error {
	if w == nil || w.client == nil {
		return nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, *jobs.Job) error { return nil }
func (noopService) NotifyJobFailed(context.Context, *jobs.Job) error    { return nil }
func (noopService) NotifyRollback(context.Context, string, string, string, float64, float64) error {
	return nil
}
func (noopService) NotifyReviewFlagged(context.Context, string, string) error { return nil }
func (noopService) TestNotification(context.Context) error                    { return nil }
