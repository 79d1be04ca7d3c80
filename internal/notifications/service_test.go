package notifications_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"extractd/internal/config"
	"extractd/internal/jobs"
	"extractd/internal/notifications"
)

func enabledConfig(operatorURL string) *config.Config {
	cfg := config.Default()
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.OperatorURL = operatorURL
	return &cfg
}

func TestNotifyJobFailedDeliversToJobWebhook(t *testing.T) {
	var (
		gotPath    string
		gotHeaders http.Header
		gotBody    map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	service := notifications.NewService(enabledConfig(""))
	job := &jobs.Job{
		ID:               "job-1",
		HandlerID:        "pdf-extract",
		TenantID:         "acme",
		State:            jobs.StateErrored,
		AttemptCount:     3,
		LastError:        "attempts exhausted",
		WebhookURL:       server.URL + "/hooks/jobs",
		ResolvedVersions: []string{"1.0.0", "1.1.0", "1.1.0"},
	}

	if err := service.NotifyJobFailed(context.Background(), job); err != nil {
		t.Fatalf("NotifyJobFailed: %v", err)
	}

	if gotPath != "/hooks/jobs" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if got := gotHeaders.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
	if gotBody["event"] != "job.failed" {
		t.Fatalf("unexpected event %v", gotBody["event"])
	}
	if gotBody["job_id"] != "job-1" || gotBody["tenant_id"] != "acme" {
		t.Fatalf("job identity missing from payload: %v", gotBody)
	}
	if gotBody["last_error"] != "attempts exhausted" {
		t.Fatalf("last error missing from payload: %v", gotBody)
	}
	versions, ok := gotBody["resolved_versions"].([]any)
	if !ok || len(versions) != 3 {
		t.Fatalf("resolved versions missing from payload: %v", gotBody["resolved_versions"])
	}
}

func TestNotifyJobCompletedSkipsJobsWithoutWebhook(t *testing.T) {
	service := notifications.NewService(enabledConfig(""))
	job := &jobs.Job{ID: "job-1", State: jobs.StateCompleted}

	if err := service.NotifyJobCompleted(context.Background(), job); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
}

func TestNotifyRollbackDeliversToOperator(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
	}))
	defer server.Close()

	service := notifications.NewService(enabledConfig(server.URL))
	err := service.NotifyRollback(context.Background(), "pdf-extract", "1.1.0", "1.0.0", 0.15, 0.02)
	if err != nil {
		t.Fatalf("NotifyRollback: %v", err)
	}

	if gotBody["event"] != "canary.rollback" {
		t.Fatalf("unexpected event %v", gotBody["event"])
	}
	if gotBody["canary_version"] != "1.1.0" || gotBody["stable_version"] != "1.0.0" {
		t.Fatalf("version pair missing from payload: %v", gotBody)
	}
	if rate, ok := gotBody["canary_error_rate"].(float64); !ok || rate != 0.15 {
		t.Fatalf("canary error rate missing from payload: %v", gotBody)
	}
}

func TestNotifyRollbackWithoutOperatorIsNoop(t *testing.T) {
	service := notifications.NewService(enabledConfig(""))
	if err := service.NotifyRollback(context.Background(), "pdf-extract", "1.1.0", "1.0.0", 0.2, 0.01); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
}

func TestSendSurfacesHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "subscription expired", http.StatusPaymentRequired)
	}))
	defer server.Close()

	service := notifications.NewService(enabledConfig(server.URL))
	err := service.TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !strings.Contains(err.Error(), "402") || !strings.Contains(err.Error(), "subscription expired") {
		t.Fatalf("expected status and body excerpt in error, got %v", err)
	}
}

func TestDisabledWebhooksReturnNoop(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks.Enabled = false

	service := notifications.NewService(&cfg)
	job := &jobs.Job{ID: "job-1", WebhookURL: "http://127.0.0.1:1/unreachable"}

	// The noop never dials, so an unroutable URL is harmless.
	if err := service.NotifyJobFailed(context.Background(), job); err != nil {
		t.Fatalf("noop NotifyJobFailed: %v", err)
	}
	if err := service.TestNotification(context.Background()); err != nil {
		t.Fatalf("noop TestNotification: %v", err)
	}
}
