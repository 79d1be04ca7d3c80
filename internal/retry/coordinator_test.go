package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"extractd/internal/catalog"
	"extractd/internal/jobs"
	"extractd/internal/logging"
	"extractd/internal/retry"
	"extractd/internal/testsupport"
)

// countingNotifier records webhook deliveries instead of sending them.
type countingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *countingNotifier) NotifyJobCompleted(_ context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
	return nil
}

func (n *countingNotifier) NotifyJobFailed(_ context.Context, job *jobs.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	return nil
}

func (n *countingNotifier) NotifyRollback(context.Context, string, string, string, float64, float64) error {
	return nil
}

func (n *countingNotifier) NotifyReviewFlagged(context.Context, string, string) error { return nil }

func (n *countingNotifier) TestNotification(context.Context) error { return nil }

func (n *countingNotifier) failedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failed)
}

func TestOnFailureRequeuesWithBackoff(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackoffSeconds(60, 300, 900))
	store := testsupport.MustOpenJobs(t, cfg)
	ctx := context.Background()

	frozen := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	notifier := &countingNotifier{}
	coordinator := retry.New(store, notifier, cfg, logging.NewNop(),
		retry.WithClock(func() time.Time { return frozen }),
	)

	job := testsupport.MustSubmit(t, store, "pdf-extract", "payloads/doc.pdf")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	if err := coordinator.OnFailure(ctx, job.ID, errors.New("transient parse error")); err != nil {
		t.Fatalf("OnFailure: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != jobs.StateQueued {
		t.Fatalf("expected requeue, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", got.AttemptCount)
	}
	if got.NotEligibleUntil == nil || !got.NotEligibleUntil.Equal(frozen.Add(time.Minute)) {
		t.Fatalf("expected eligibility at first backoff step, got %v", got.NotEligibleUntil)
	}
	if notifier.failedCount() != 0 {
		t.Fatal("retryable failure must not notify")
	}
}

func TestBackoffStepsAndClamping(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithBackoffSeconds(60, 300),
		testsupport.WithMaxAttempts(5),
	)
	store := testsupport.MustOpenJobs(t, cfg)
	ctx := context.Background()

	// A clock a day behind the wall keeps every computed eligibility in the
	// past, so the job stays immediately claimable between rounds.
	frozen := time.Now().UTC().Add(-24 * time.Hour)
	coordinator := retry.New(store, &countingNotifier{}, cfg, logging.NewNop(),
		retry.WithClock(func() time.Time { return frozen }),
	)

	job, err := store.Submit(ctx, jobs.SubmitParams{
		HandlerID:   "pdf-extract",
		PayloadRef:  "payloads/doc.pdf",
		Priority:    5,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Attempts past the configured sequence reuse the final step.
	wantDelays := []time.Duration{time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, want := range wantDelays {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := coordinator.OnFailure(ctx, job.ID, errors.New("transient")); err != nil {
			t.Fatalf("OnFailure attempt %d: %v", i+1, err)
		}
		got, err := store.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.NotEligibleUntil == nil || !got.NotEligibleUntil.Equal(frozen.Add(want)) {
			t.Fatalf("attempt %d: expected backoff %s, got %v", i+1, want, got.NotEligibleUntil)
		}
	}
}

func TestExhaustionErrorsAndNotifiesOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	store := testsupport.MustOpenJobs(t, cfg)
	ctx := context.Background()

	notifier := &countingNotifier{}
	// A clock in the past keeps requeued jobs immediately claimable.
	past := time.Now().UTC().Add(-24 * time.Hour)
	coordinator := retry.New(store, notifier, cfg, logging.NewNop(),
		retry.WithClock(func() time.Time { return past }),
	)

	job, err := store.Submit(ctx, jobs.SubmitParams{
		HandlerID:   "pdf-extract",
		PayloadRef:  "payloads/doc.pdf",
		Priority:    5,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The first two failures requeue without notifying.
	for attempt := 1; attempt <= 2; attempt++ {
		if claimed, err := store.ClaimNext(ctx); err != nil || claimed == nil {
			t.Fatalf("ClaimNext attempt %d: %v %v", attempt, claimed, err)
		}
		if err := coordinator.OnFailure(ctx, job.ID, errors.New("boom")); err != nil {
			t.Fatalf("OnFailure attempt %d: %v", attempt, err)
		}
		got, err := store.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.State != jobs.StateQueued || got.AttemptCount != attempt {
			t.Fatalf("attempt %d: expected requeue, got %s with %d attempts", attempt, got.State, got.AttemptCount)
		}
		if notifier.failedCount() != 0 {
			t.Fatal("notified before exhaustion")
		}
	}

	// The third failure exhausts the budget.
	if claimed, err := store.ClaimNext(ctx); err != nil || claimed == nil {
		t.Fatalf("ClaimNext final attempt: %v %v", claimed, err)
	}
	if err := coordinator.OnFailure(ctx, job.ID, errors.New("boom again")); err != nil {
		t.Fatalf("OnFailure: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != jobs.StateErrored {
		t.Fatalf("expected errored, got %s", got.State)
	}
	if got.AttemptCount != 3 || got.LastError != "boom again" {
		t.Fatalf("unexpected final job %+v", got)
	}
	if notifier.failedCount() != 1 {
		t.Fatalf("expected exactly one failure webhook, got %d", notifier.failedCount())
	}

	// Late duplicate reports after the terminal transition are no-ops.
	if err := coordinator.OnFailure(ctx, job.ID, errors.New("straggler")); err != nil {
		t.Fatalf("OnFailure on terminal job: %v", err)
	}
	if notifier.failedCount() != 1 {
		t.Fatal("terminal job must not notify again")
	}
}

func TestResolutionFailureIsImmediatelyTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(5))
	store := testsupport.MustOpenJobs(t, cfg)
	ctx := context.Background()

	notifier := &countingNotifier{}
	coordinator := retry.New(store, notifier, cfg, logging.NewNop())

	job := testsupport.MustSubmit(t, store, "pdf-extract", "payloads/doc.pdf")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	cause := &catalog.NoActiveVersionError{HandlerID: "pdf-extract"}
	if err := coordinator.OnFailure(ctx, job.ID, cause); err != nil {
		t.Fatalf("OnFailure: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != jobs.StateErrored {
		t.Fatalf("resolution failure should be terminal, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected single attempt, got %d", got.AttemptCount)
	}
	if notifier.failedCount() != 1 {
		t.Fatalf("expected one failure webhook, got %d", notifier.failedCount())
	}
}

func TestTimeoutSweepReclaimsStuckJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithMaxProcessingSeconds(300),
		testsupport.WithBackoffSeconds(60),
	)
	store := testsupport.MustOpenJobs(t, cfg)
	ctx := context.Background()

	notifier := &countingNotifier{}

	stuck := testsupport.MustSubmit(t, store, "pdf-extract", "payloads/stuck.pdf")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	// A clock far in the future puts the claimed job past the ceiling.
	future := time.Now().UTC().Add(time.Hour)
	coordinator := retry.New(store, notifier, cfg, logging.NewNop(),
		retry.WithClock(func() time.Time { return future }),
	)

	reclaimed, err := coordinator.TimeoutSweep(ctx)
	if err != nil {
		t.Fatalf("TimeoutSweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", reclaimed)
	}

	got, err := store.GetByID(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != jobs.StateQueued {
		t.Fatalf("timeout should consume an attempt and requeue, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("timeout must count against the budget, got %d attempts", got.AttemptCount)
	}

	// Nothing in flight means nothing to reclaim.
	reclaimed, err = coordinator.TimeoutSweep(ctx)
	if err != nil {
		t.Fatalf("TimeoutSweep: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected idle sweep, reclaimed %d", reclaimed)
	}
}
