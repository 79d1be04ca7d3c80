package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"extractd/internal/catalog"
	"extractd/internal/config"
	"extractd/internal/jobs"
	"extractd/internal/logging"
	"extractd/internal/notifications"
)

// Queue is the slice of job persistence the coordinator drives.
type Queue interface {
	GetByID(ctx context.Context, id string) (*jobs.Job, error)
	Requeue(ctx context.Context, id string, attemptCount int, notEligibleUntil time.Time, lastError string) error
	MarkErrored(ctx context.Context, id string, attemptCount int, lastError string) error
	StuckInFlight(ctx context.Context, cutoff time.Time) ([]*jobs.Job, error)
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithClock replaces the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the retry policy: it decides, per failure, whether a job
// gets another attempt or is finished as errored, and reclaims jobs whose
// worker disappeared mid-flight. The final transition to errored notifies
// exactly once because the state machine refuses a second errored entry.
type Coordinator struct {
	queue    Queue
	notifier notifications.Service
	logger   *slog.Logger

	backoff       []time.Duration
	maxProcessing time.Duration
	now           func() time.Time
}

// New constructs a coordinator using the retry policy from cfg.
func New(queue Queue, notifier notifications.Service, cfg *config.Config, logger *slog.Logger, opts ...Option) *Coordinator {
	backoff := make([]time.Duration, 0, len(cfg.Workflow.RetryBackoffSeconds))
	for _, seconds := range cfg.Workflow.RetryBackoffSeconds {
		backoff = append(backoff, time.Duration(seconds)*time.Second)
	}
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Minute}
	}
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}

	c := &Coordinator{
		queue:         queue,
		notifier:      notifier,
		logger:        logging.NewComponentLogger(logger, "retry-coordinator"),
		backoff:       backoff,
		maxProcessing: time.Duration(cfg.Workflow.MaxProcessingSeconds) * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnFailure consumes one failed attempt. Retryable failures consume an
// attempt and requeue the job with a backoff delay; exhausted or
// unresolvable jobs are finished as errored.
func (c *Coordinator) OnFailure(ctx context.Context, jobID string, cause error) error {
	job, err := c.queue.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load failed job: %w", err)
	}
	if job.IsTerminal() {
		return nil
	}

	attempt := job.AttemptCount + 1
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}

	// Routing failures need a registry change, not another attempt.
	if catalog.IsResolutionError(cause) {
		return c.finish(ctx, job, attempt, message, "resolution_failure")
	}

	if attempt >= job.MaxAttempts {
		return c.finish(ctx, job, attempt, message, "attempts_exhausted")
	}

	delay := c.backoffFor(attempt)
	eligibleAt := c.now().UTC().Add(delay)
	if err := c.queue.Requeue(ctx, job.ID, attempt, eligibleAt, message); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("requeue job: %w", err)
	}

	c.logger.Info("job requeued for retry",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldHandlerID, job.HandlerID),
		logging.Int(logging.FieldAttempt, attempt),
		logging.Duration("backoff", delay),
		logging.String(logging.FieldErrorHint, message),
		logging.String(logging.FieldEventType, "job_requeued"),
	)
	return nil
}

func (c *Coordinator) finish(ctx context.Context, job *jobs.Job, attempt int, message, reason string) error {
	if err := c.queue.MarkErrored(ctx, job.ID, attempt, message); err != nil {
		// Lost the race to another finisher; that one notified.
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark job errored: %w", err)
	}

	c.logger.Warn("job errored",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldHandlerID, job.HandlerID),
		logging.Int(logging.FieldAttempt, attempt),
		logging.String(logging.FieldErrorHint, message),
		logging.String(logging.FieldEventType, "job_"+reason),
	)

	final, err := c.queue.GetByID(ctx, job.ID)
	if err != nil {
		final = job
	}
	if notifyErr := c.notifier.NotifyJobFailed(ctx, final); notifyErr != nil {
		c.logger.Error("failure webhook delivery failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(notifyErr),
		)
	}
	return nil
}

// backoffFor returns the delay before the next attempt. attempt is the
// count just consumed, so the first retry uses the first entry; attempts
// past the configured sequence reuse the last entry.
func (c *Coordinator) backoffFor(attempt int) time.Duration {
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(c.backoff) {
		index = len(c.backoff) - 1
	}
	return c.backoff[index]
}

// TimeoutSweep reclaims jobs that have sat in an in-flight state longer
// than the processing ceiling, feeding each through the normal failure
// path so timeouts count against the attempt budget. Returns how many
// jobs were reclaimed.
func (c *Coordinator) TimeoutSweep(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-c.maxProcessing)
	stuck, err := c.queue.StuckInFlight(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stuck jobs: %w", err)
	}

	reclaimed := 0
	for _, job := range stuck {
		cause := fmt.Errorf("processing exceeded %s in state %s", c.maxProcessing, job.State)
		if err := c.OnFailure(ctx, job.ID, cause); err != nil {
			c.logger.Error("timeout reclamation failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err),
			)
			continue
		}
		reclaimed++
		c.logger.Warn("stale job reclaimed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldState, string(job.State)),
			logging.String(logging.FieldEventType, "job_timeout_reclaimed"),
		)
	}
	return reclaimed, nil
}
