package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"extractd/internal/jobs"
	"extractd/internal/testsupport"
)

func TestSubmitDefaultsAndValidation(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job, err := store.Submit(ctx, jobs.SubmitParams{
		HandlerID:   "pdf-extract",
		PayloadRef:  "payloads/doc-1.pdf",
		Priority:    5,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != jobs.StateQueued {
		t.Fatalf("expected queued, got %s", job.State)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	if job.AttemptCount != 0 {
		t.Fatalf("expected zero attempts, got %d", job.AttemptCount)
	}

	cases := []jobs.SubmitParams{
		{PayloadRef: "x", Priority: 5, MaxAttempts: 3},
		{HandlerID: "h", Priority: 5, MaxAttempts: 3},
		{HandlerID: "h", PayloadRef: "x", Priority: 0, MaxAttempts: 3},
		{HandlerID: "h", PayloadRef: "x", Priority: 5, MaxAttempts: 0},
	}
	for _, params := range cases {
		if _, err := store.Submit(ctx, params); err == nil {
			t.Fatalf("expected validation error for %+v", params)
		}
	}
}

func TestClaimNextHonorsPriorityThenAge(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	lowFirst, err := store.Submit(ctx, jobs.SubmitParams{HandlerID: "h", PayloadRef: "a", Priority: 5, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	lowSecond, err := store.Submit(ctx, jobs.SubmitParams{HandlerID: "h", PayloadRef: "b", Priority: 5, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	urgent, err := store.Submit(ctx, jobs.SubmitParams{HandlerID: "h", PayloadRef: "c", Priority: 1, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if claimed == nil {
			t.Fatal("expected a claimable job")
		}
		got = append(got, claimed.ID)
	}
	want := []string{urgent.ID, lowFirst.ID, lowSecond.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order mismatch: got %v want %v", got, want)
		}
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected empty queue, claimed %s", claimed.ID)
	}
}

func TestClaimNextSkipsBackoffDelayedJobs(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := testsupport.MustSubmit(t, store, "h", "payloads/doc.pdf")
	claimed, err := store.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := store.Requeue(ctx, job.ID, 1, time.Now().UTC().Add(time.Hour), "transient"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	claimed, err = store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed a job still in backoff: %s", claimed.ID)
	}

	requeued, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if requeued.State != jobs.StateQueued || requeued.AttemptCount != 1 || requeued.LastError != "transient" {
		t.Fatalf("unexpected requeued job %+v", requeued)
	}
	if requeued.ClaimToken != "" {
		t.Fatal("requeue must clear the claim token")
	}
	if requeued.Eligible(time.Now().UTC()) {
		t.Fatal("job should not be eligible inside the backoff window")
	}
	if !requeued.Eligible(time.Now().UTC().Add(2 * time.Hour)) {
		t.Fatal("job should become eligible once the backoff elapses")
	}
}

func TestClaimExclusivityUnderConcurrency(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		testsupport.MustSubmit(t, store, "h", "payloads/doc.pdf")
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("expected %d distinct claims, got %d", jobCount, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func TestStateMachineTransitions(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := testsupport.MustSubmit(t, store, "h", "payloads/doc.pdf")

	// Queued jobs cannot enter processing without a claim.
	if err := store.MarkProcessing(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := store.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.MarkStageComplete(ctx, job.ID, "parse", "jobs/x/stages/parse"); err != nil {
		t.Fatalf("MarkStageComplete: %v", err)
	}
	if err := store.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("resume after stage: %v", err)
	}
	if err := store.MarkStageComplete(ctx, job.ID, "extract", "jobs/x/stages/extract"); err != nil {
		t.Fatalf("MarkStageComplete: %v", err)
	}
	if err := store.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	final, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != jobs.StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if len(final.StageRefs) != 2 || final.StageRefs["parse"] != "jobs/x/stages/parse" {
		t.Fatalf("stage refs not recorded: %+v", final.StageRefs)
	}

	// Terminal states are immutable.
	if err := store.MarkErrored(ctx, job.ID, 1, "boom"); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on completed job, got %v", err)
	}
	if err := store.Requeue(ctx, job.ID, 1, time.Now(), "boom"); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on completed job, got %v", err)
	}
}

func TestErroredIsTerminal(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := testsupport.MustSubmit(t, store, "h", "payloads/doc.pdf")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.MarkErrored(ctx, job.ID, 3, "exhausted"); err != nil {
		t.Fatalf("MarkErrored: %v", err)
	}

	final, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != jobs.StateErrored || final.AttemptCount != 3 || final.LastError != "exhausted" {
		t.Fatalf("unexpected final job %+v", final)
	}
	if !final.IsTerminal() {
		t.Fatal("errored job must be terminal")
	}
	if err := store.MarkCompleted(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAppendResolvedVersionAccumulates(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := testsupport.MustSubmit(t, store, "h", "payloads/doc.pdf")
	if err := store.AppendResolvedVersion(ctx, job.ID, "1.0.0"); err != nil {
		t.Fatalf("AppendResolvedVersion: %v", err)
	}
	if err := store.AppendResolvedVersion(ctx, job.ID, "1.1.0"); err != nil {
		t.Fatalf("AppendResolvedVersion: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.ResolvedVersions) != 2 || got.ResolvedVersions[0] != "1.0.0" || got.ResolvedVersions[1] != "1.1.0" {
		t.Fatalf("unexpected resolved versions %v", got.ResolvedVersions)
	}
}

func TestStuckInFlightFindsStaleJobs(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	stale := testsupport.MustSubmit(t, store, "h", "payloads/stale.pdf")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	fresh := testsupport.MustSubmit(t, store, "h", "payloads/fresh.pdf")
	_ = fresh

	// A cutoff in the future catches the claimed job; queued jobs are
	// never reclaimed.
	stuck, err := store.StuckInFlight(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("StuckInFlight: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != stale.ID {
		t.Fatalf("unexpected stuck set %+v", stuck)
	}

	// A cutoff in the past catches nothing.
	stuck, err = store.StuckInFlight(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("StuckInFlight: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck jobs, got %d", len(stuck))
	}
}

func TestStatsAndHealth(t *testing.T) {
	store := testsupport.MustOpenJobs(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := testsupport.MustSubmit(t, store, "h", "a")
	testsupport.MustSubmit(t, store, "h", "b")
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.MarkProcessing(ctx, first.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Queued != 1 || health.InFlight != 1 {
		t.Fatalf("unexpected health %+v", health)
	}

	listed, err := store.List(ctx, jobs.StateQueued)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(listed))
	}
}
