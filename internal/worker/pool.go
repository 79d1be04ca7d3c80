package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"extractd/internal/artifact"
	"extractd/internal/catalog"
	"extractd/internal/config"
	"extractd/internal/jobs"
	"extractd/internal/logging"
	"extractd/internal/notifications"
	"extractd/internal/registry"
	"extractd/internal/retry"
)

// Pool runs a fixed set of workers that claim, execute, and settle jobs.
type Pool struct {
	cfg         *config.Config
	store       *jobs.Store
	registry    *registry.Registry
	artifacts   artifact.Store
	coordinator *retry.Coordinator
	notifier    notifications.Service
	logger      *slog.Logger

	concurrency   int
	pollInterval  time.Duration
	errorInterval time.Duration
	maxProcessing time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool constructs a worker pool over the given collaborators.
func NewPool(
	cfg *config.Config,
	store *jobs.Store,
	reg *registry.Registry,
	artifacts artifact.Store,
	coordinator *retry.Coordinator,
	notifier notifications.Service,
	logger *slog.Logger,
) *Pool {
	concurrency := cfg.Workflow.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		cfg:           cfg,
		store:         store,
		registry:      reg,
		artifacts:     artifacts,
		coordinator:   coordinator,
		notifier:      notifier,
		logger:        logging.NewComponentLogger(logger, "worker-pool"),
		concurrency:   concurrency,
		pollInterval:  time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		errorInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		maxProcessing: time.Duration(cfg.Workflow.MaxProcessingSeconds) * time.Second,
	}
}

// Start begins background processing.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.wg.Add(p.concurrency)
	p.mu.Unlock()

	for i := 0; i < p.concurrency; i++ {
		go p.runWorker(runCtx, i)
	}
	return nil
}

// Stop terminates background processing and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, index int) {
	defer p.wg.Done()
	logger := p.logger.With(logging.Int("worker", index))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.ClaimNext(ctx)
		if err != nil {
			logger.Error("failed to claim next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "claim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			p.sleep(ctx, p.errorInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.pollInterval)
			continue
		}

		if err := p.processJob(ctx, logger, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("job settlement failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err),
			)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// processJob drives one claimed job to a settled outcome: completed,
// requeued, or errored. Claims are never released silently; the timeout
// sweep covers crashes between claim and settlement.
func (p *Pool) processJob(ctx context.Context, logger *slog.Logger, job *jobs.Job) error {
	logger.Info("job claimed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldHandlerID, job.HandlerID),
		logging.Int(logging.FieldPriority, job.Priority),
		logging.Int(logging.FieldAttempt, job.AttemptCount+1),
		logging.String(logging.FieldEventType, "job_claimed"),
	)

	handler, version, err := p.registry.GetHandler(ctx, job.HandlerID, job.TenantID)
	if err != nil {
		if catalog.IsResolutionError(err) {
			logger.Warn("version resolution failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldHandlerID, job.HandlerID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "resolution_failed"),
			)
		}
		return p.coordinator.OnFailure(ctx, job.ID, err)
	}

	if err := p.store.AppendResolvedVersion(ctx, job.ID, version); err != nil {
		return p.coordinator.OnFailure(ctx, job.ID, fmt.Errorf("record resolved version: %w", err))
	}
	if err := p.store.MarkProcessing(ctx, job.ID); err != nil {
		return p.coordinator.OnFailure(ctx, job.ID, fmt.Errorf("enter processing: %w", err))
	}

	payload, err := p.artifacts.Retrieve(ctx, job.PayloadRef)
	if err != nil {
		return p.failAttempt(ctx, job, version, 0, fmt.Errorf("retrieve payload: %w", err))
	}

	start := time.Now()
	result, execErr := p.execute(ctx, job, handler, payload)
	elapsed := time.Since(start)

	if execErr != nil {
		return p.failAttempt(ctx, job, version, elapsed, execErr)
	}

	resultRef := path.Join("jobs", job.ID, "result")
	if len(result.Output) > 0 {
		if err := p.artifacts.Put(ctx, resultRef, result.Output); err != nil {
			return p.failAttempt(ctx, job, version, elapsed, fmt.Errorf("store result: %w", err))
		}
	}

	p.registry.ReportOutcome(job.HandlerID, version, true, elapsed)
	if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	logger.Info("job completed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldHandlerID, job.HandlerID),
		logging.String(logging.FieldVersion, version),
		logging.Duration("elapsed", elapsed),
		logging.String(logging.FieldEventType, "job_completed"),
	)

	final, err := p.store.GetByID(ctx, job.ID)
	if err != nil {
		final = job
	}
	if notifyErr := p.notifier.NotifyJobCompleted(ctx, final); notifyErr != nil {
		logger.Error("completion webhook delivery failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(notifyErr),
		)
	}
	return nil
}

// execute runs the handler under the processing deadline. Multi-stage
// handlers check in after every stage so partial progress survives in the
// job record.
func (p *Pool) execute(ctx context.Context, job *jobs.Job, handler registry.Handler, payload []byte) (registry.Result, error) {
	procCtx := ctx
	if p.maxProcessing > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, p.maxProcessing)
		defer cancel()
	}

	staged, ok := handler.(registry.StageProcessor)
	if !ok {
		return handler.Process(procCtx, payload)
	}

	data := payload
	var last registry.Result
	stages := staged.Stages()
	for i, stage := range stages {
		result, err := staged.ProcessStage(procCtx, stage, data)
		if err != nil {
			return registry.Result{}, fmt.Errorf("stage %s: %w", stage, err)
		}

		stageRef := path.Join("jobs", job.ID, "stages", stage)
		if len(result.Output) > 0 {
			if err := p.artifacts.Put(procCtx, stageRef, result.Output); err != nil {
				return registry.Result{}, fmt.Errorf("store stage %s output: %w", stage, err)
			}
		}
		if err := p.store.MarkStageComplete(procCtx, job.ID, stage, stageRef); err != nil {
			return registry.Result{}, fmt.Errorf("record stage %s: %w", stage, err)
		}
		// The final stage leaves the job in stage_complete for MarkCompleted.
		if i < len(stages)-1 {
			if err := p.store.MarkProcessing(procCtx, job.ID); err != nil {
				return registry.Result{}, fmt.Errorf("resume after stage %s: %w", stage, err)
			}
		}

		data = result.Output
		last = result
	}
	return last, nil
}

func (p *Pool) failAttempt(ctx context.Context, job *jobs.Job, version string, elapsed time.Duration, cause error) error {
	p.registry.ReportOutcome(job.HandlerID, version, false, elapsed)
	return p.coordinator.OnFailure(ctx, job.ID, cause)
}
