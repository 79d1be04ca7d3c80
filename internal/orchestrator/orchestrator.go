package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"extractd/internal/artifact"
	"extractd/internal/catalog"
	"extractd/internal/config"
	"extractd/internal/health"
	"extractd/internal/jobs"
	"extractd/internal/logging"
	"extractd/internal/notifications"
	"extractd/internal/registry"
	"extractd/internal/retry"
	"extractd/internal/router"
	"extractd/internal/worker"
)

// Orchestrator wires the catalog, router, health monitor, registry, queue,
// and worker pool into one process and enforces single-instance execution.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	catalog     *catalog.Store
	queue       *jobs.Store
	router      *router.Router
	monitor     *health.Monitor
	registry    *registry.Registry
	artifacts   *artifact.DirStore
	coordinator *retry.Coordinator
	notifier    notifications.Service
	pool        *worker.Pool
	scheduler   *cron.Cron
	api         *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs an orchestrator with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("orchestrator requires config and logger")
	}
	return NewWithNotifier(cfg, logger, notifications.NewService(cfg))
}

// NewWithNotifier constructs an orchestrator with a custom notification
// service (used in tests).
func NewWithNotifier(cfg *config.Config, logger *slog.Logger, notifier notifications.Service) (*Orchestrator, error) {
	catalogStore, err := catalog.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	queueStore, err := jobs.Open(cfg)
	if err != nil {
		_ = catalogStore.Close()
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	artifacts, err := artifact.NewDirStore(cfg)
	if err != nil {
		_ = catalogStore.Close()
		_ = queueStore.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		catalog:   catalogStore,
		queue:     queueStore,
		artifacts: artifacts,
		notifier:  notifier,
		lockPath:  filepath.Join(cfg.Paths.DataDir, "extractd.lock"),
	}
	o.lock = flock.New(o.lockPath)

	o.router = router.New(catalogStore,
		router.WithSnapshotTTL(time.Duration(cfg.Canary.SnapshotTTLSeconds)*time.Second),
	)
	o.monitor = health.New(catalogStore, &monitorEvents{o: o}, logger,
		health.WithWindow(time.Duration(cfg.Canary.WindowHours)*time.Hour),
		health.WithErrorThreshold(cfg.Canary.ErrorThreshold),
		health.WithMinSamples(cfg.Canary.MinSamples),
		health.WithRetention(time.Duration(cfg.Canary.RetentionHours)*time.Hour),
	)
	o.registry = registry.New(o.router, o.monitor)
	o.coordinator = retry.New(queueStore, notifier, cfg, logger)
	o.pool = worker.NewPool(cfg, queueStore, o.registry, artifacts, o.coordinator, notifier, logger)
	o.scheduler = cron.New()
	o.api = newAPIServer(cfg, o, logger)
	return o, nil
}

// monitorEvents fans health monitor signals out to the router cache, the
// notifier, and the orchestrator log.
type monitorEvents struct {
	o *Orchestrator
}

func (e *monitorEvents) RollbackTriggered(ctx context.Context, event health.RollbackEvent) {
	e.o.router.Invalidate(event.HandlerID)
	if err := e.o.notifier.NotifyRollback(ctx, event.HandlerID, event.CanaryVersion, event.StableVersion, event.CanaryErrorRate, event.StableErrorRate); err != nil {
		e.o.logger.Error("rollback webhook delivery failed",
			logging.String(logging.FieldHandlerID, event.HandlerID),
			logging.Error(err),
		)
	}
}

func (e *monitorEvents) ReviewFlagged(ctx context.Context, handlerID, reason string) {
	if err := e.o.notifier.NotifyReviewFlagged(ctx, handlerID, reason); err != nil {
		e.o.logger.Error("review webhook delivery failed",
			logging.String(logging.FieldHandlerID, handlerID),
			logging.Error(err),
		)
	}
}

// Start acquires the instance lock and launches the monitor, workers,
// schedules, and API server.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Load() {
		return errors.New("orchestrator already running")
	}

	ok, err := o.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another extractd instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.registerSchedules(runCtx); err != nil {
		_ = o.lock.Unlock()
		cancel()
		o.cancel = nil
		return err
	}

	o.monitor.Start()
	if err := o.pool.Start(runCtx); err != nil {
		o.monitor.Stop()
		_ = o.lock.Unlock()
		cancel()
		o.cancel = nil
		return fmt.Errorf("start worker pool: %w", err)
	}
	o.scheduler.Start()

	if err := o.api.start(runCtx); err != nil {
		o.scheduler.Stop()
		o.pool.Stop()
		o.monitor.Stop()
		_ = o.lock.Unlock()
		cancel()
		o.cancel = nil
		return err
	}

	o.running.Store(true)
	o.logger.Info("extractd started",
		logging.String("lock", o.lockPath),
		logging.Int("workers", o.cfg.Workflow.Concurrency),
	)
	return nil
}

func (o *Orchestrator) registerSchedules(ctx context.Context) error {
	entries := []struct {
		name string
		spec string
		run  func()
	}{
		{"health-check", o.cfg.Canary.HealthCheckSchedule, func() {
			if err := o.monitor.CheckAll(ctx); err != nil {
				o.logger.Error("scheduled health check failed", logging.Error(err))
			}
		}},
		{"timeout-sweep", o.cfg.Canary.SweepSchedule, func() {
			if _, err := o.coordinator.TimeoutSweep(ctx); err != nil {
				o.logger.Error("scheduled timeout sweep failed", logging.Error(err))
			}
		}},
		{"outcome-prune", o.cfg.Canary.PruneSchedule, func() {
			if _, err := o.monitor.Prune(ctx); err != nil {
				o.logger.Error("scheduled outcome prune failed", logging.Error(err))
			}
		}},
	}
	for _, entry := range entries {
		if _, err := o.scheduler.AddFunc(entry.spec, entry.run); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", entry.name, entry.spec, err)
		}
	}
	return nil
}

// Stop halts background processing and releases the instance lock.
func (o *Orchestrator) Stop() {
	if !o.running.Load() {
		return
	}

	o.api.stop()
	stopCtx := o.scheduler.Stop()
	<-stopCtx.Done()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.pool.Stop()
	o.monitor.Stop()
	if err := o.lock.Unlock(); err != nil {
		o.logger.Warn("failed to release instance lock", logging.Error(err))
	}
	o.running.Store(false)
	o.logger.Info("extractd stopped")
}

// Close stops the orchestrator and releases database handles.
func (o *Orchestrator) Close() error {
	o.Stop()
	var errs []error
	if o.queue != nil {
		errs = append(errs, o.queue.Close())
	}
	if o.catalog != nil {
		errs = append(errs, o.catalog.Close())
	}
	return errors.Join(errs...)
}

// BindHandler associates a handler factory with a registered version.
func (o *Orchestrator) BindHandler(handlerID, version string, factory registry.Factory) {
	o.registry.Bind(handlerID, version, factory)
}

// RegisterVersion records a new handler version in the catalog.
func (o *Orchestrator) RegisterVersion(ctx context.Context, handlerID, version string, weight int, schemaTags []string) (*catalog.HandlerVersion, error) {
	registered, err := o.catalog.Register(ctx, handlerID, version, weight, schemaTags)
	if err != nil {
		return nil, err
	}
	o.router.Invalidate(handlerID)
	o.logger.Info("handler version registered",
		logging.String(logging.FieldHandlerID, handlerID),
		logging.String(logging.FieldVersion, registered.Version),
		logging.Int("weight", weight),
		logging.String(logging.FieldEventType, "version_registered"),
	)
	return registered, nil
}

// DeprecateVersion marks a zero-weight version deprecated with a sunset date.
func (o *Orchestrator) DeprecateVersion(ctx context.Context, handlerID, version string, sunsetAt time.Time, guideURL string) error {
	if err := o.catalog.MarkDeprecated(ctx, handlerID, version, sunsetAt, guideURL); err != nil {
		return err
	}
	o.router.Invalidate(handlerID)
	return nil
}

// SetWeights applies a bulk rollout weight update for one handler.
func (o *Orchestrator) SetWeights(ctx context.Context, handlerID string, weights map[string]int) error {
	if err := o.catalog.SetWeights(ctx, handlerID, weights); err != nil {
		return err
	}
	o.router.Invalidate(handlerID)
	return nil
}

// Rollback manually consolidates all traffic onto toVersion.
func (o *Orchestrator) Rollback(ctx context.Context, handlerID, toVersion string) error {
	if err := o.catalog.Rollback(ctx, handlerID, toVersion); err != nil {
		return err
	}
	o.router.Invalidate(handlerID)
	o.logger.Warn("manual rollback applied",
		logging.String(logging.FieldHandlerID, handlerID),
		logging.String(logging.FieldVersion, toVersion),
		logging.String(logging.FieldEventType, "manual_rollback"),
	)
	return nil
}

// SetTenantOverride pins a tenant to an exact version.
func (o *Orchestrator) SetTenantOverride(ctx context.Context, tenantID, handlerID, version string) error {
	return o.catalog.SetTenantOverride(ctx, tenantID, handlerID, version)
}

// RemoveTenantOverride clears a tenant pin.
func (o *Orchestrator) RemoveTenantOverride(ctx context.Context, tenantID, handlerID string) error {
	return o.catalog.RemoveTenantOverride(ctx, tenantID, handlerID)
}

// Versions lists all registered versions of a handler.
func (o *Orchestrator) Versions(ctx context.Context, handlerID string) ([]*catalog.HandlerVersion, error) {
	return o.catalog.Versions(ctx, handlerID)
}

// HandlerIDs lists every handler known to the catalog.
func (o *Orchestrator) HandlerIDs(ctx context.Context) ([]string, error) {
	return o.catalog.HandlerIDs(ctx)
}

// ReviewFlags lists rollout configurations awaiting operator attention.
func (o *Orchestrator) ReviewFlags(ctx context.Context) ([]catalog.ReviewFlag, error) {
	return o.catalog.ReviewFlags(ctx)
}

// SubmitJob enqueues a job, defaulting priority and attempt budget from
// configuration when the caller leaves them unset.
func (o *Orchestrator) SubmitJob(ctx context.Context, params jobs.SubmitParams) (*jobs.Job, error) {
	if params.Priority == 0 {
		params.Priority = 5
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = o.cfg.Workflow.MaxAttempts
	}
	job, err := o.queue.Submit(ctx, params)
	if err != nil {
		return nil, err
	}
	o.logger.Info("job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldHandlerID, job.HandlerID),
		logging.Int(logging.FieldPriority, job.Priority),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return job, nil
}

// GetJob fetches a job by identifier.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return o.queue.GetByID(ctx, id)
}

// ListJobs lists jobs filtered by optional states.
func (o *Orchestrator) ListJobs(ctx context.Context, states ...jobs.State) ([]*jobs.Job, error) {
	return o.queue.List(ctx, states...)
}

// QueueHealth aggregates job counts for status reporting.
func (o *Orchestrator) QueueHealth(ctx context.Context) (jobs.HealthSummary, error) {
	return o.queue.Health(ctx)
}

// TestNotification sends a test event to the operator webhook.
func (o *Orchestrator) TestNotification(ctx context.Context) error {
	return o.notifier.TestNotification(ctx)
}

// Running reports whether background processing is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// RegistryDBPath returns the catalog database location.
func (o *Orchestrator) RegistryDBPath() string { return o.catalog.Path() }

// QueueDBPath returns the queue database location.
func (o *Orchestrator) QueueDBPath() string { return o.queue.Path() }

// LockFilePath returns the instance lock location.
func (o *Orchestrator) LockFilePath() string { return o.lockPath }
