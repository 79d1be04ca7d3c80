package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"extractd/internal/catalog"
	"extractd/internal/logging"
)

// Store is the slice of the catalog the monitor consumes.
type Store interface {
	Active(ctx context.Context, handlerID string) ([]catalog.ActiveVersion, error)
	HandlerIDs(ctx context.Context) ([]string, error)
	AppendOutcomes(ctx context.Context, samples []catalog.OutcomeSample) error
	OutcomeStatsSince(ctx context.Context, handlerID, version string, since time.Time) (catalog.OutcomeStats, error)
	Rollback(ctx context.Context, handlerID, toVersion string) error
	FlagReview(ctx context.Context, handlerID, reason string) error
	PruneOutcomes(ctx context.Context, before time.Time) (int64, error)
}

// RollbackEvent describes an automatic canary demotion.
type RollbackEvent struct {
	HandlerID       string
	CanaryVersion   string
	StableVersion   string
	CanaryErrorRate float64
	StableErrorRate float64
	CanarySamples   int
	StableSamples   int
	At              time.Time
}

// Events receives operational signals from the monitor. Rollback is a
// signal, not an error: it is observed and logged, never surfaced on a
// request path.
type Events interface {
	RollbackTriggered(ctx context.Context, event RollbackEvent)
	ReviewFlagged(ctx context.Context, handlerID, reason string)
}

// NopEvents discards all monitor events.
type NopEvents struct{}

func (NopEvents) RollbackTriggered(context.Context, RollbackEvent) {}
func (NopEvents) ReviewFlagged(context.Context, string, string)    {}

// Option configures optional Monitor behavior.
type Option func(*Monitor)

// WithWindow sets the outcome window consulted by rollback comparisons.
func WithWindow(window time.Duration) Option {
	return func(m *Monitor) { m.window = window }
}

// WithErrorThreshold sets the comparative error-rate delta that triggers rollback.
func WithErrorThreshold(threshold float64) Option {
	return func(m *Monitor) { m.errorThreshold = threshold }
}

// WithMinSamples sets the per-side sample floor below which no decision is made.
func WithMinSamples(min int) Option {
	return func(m *Monitor) { m.minSamples = min }
}

// WithRetention sets how long outcome samples are kept.
func WithRetention(retention time.Duration) Option {
	return func(m *Monitor) { m.retention = retention }
}

// WithFlushInterval sets how often buffered samples are written out.
func WithFlushInterval(interval time.Duration) Option {
	return func(m *Monitor) { m.flushInterval = interval }
}

// WithBufferSize sets the record buffer capacity.
func WithBufferSize(size int) Option {
	return func(m *Monitor) { m.buffer = make(chan catalog.OutcomeSample, size) }
}

// WithClock replaces the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor accounts handler outcomes and demotes a diverging canary. It holds
// no timers of its own: CompareAndMaybeRollback and Prune are invoked by an
// external scheduler.
type Monitor struct {
	store  Store
	events Events
	logger *slog.Logger

	window         time.Duration
	errorThreshold float64
	minSamples     int
	retention      time.Duration
	flushInterval  time.Duration
	now            func() time.Time

	buffer  chan catalog.OutcomeSample
	dropped int64
	mu      sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a monitor over the given store.
func New(store Store, events Events, logger *slog.Logger, opts ...Option) *Monitor {
	if events == nil {
		events = NopEvents{}
	}
	m := &Monitor{
		store:          store,
		events:         events,
		logger:         logging.NewComponentLogger(logger, "health-monitor"),
		window:         24 * time.Hour,
		errorThreshold: 0.05,
		minSamples:     100,
		retention:      48 * time.Hour,
		flushInterval:  time.Second,
		now:            time.Now,
		buffer:         make(chan catalog.OutcomeSample, 4096),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background flusher that drains buffered samples.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.runFlusher()
}

// Stop flushes remaining samples and stops the flusher.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Record buffers one outcome sample. It never blocks job execution: when
// the buffer is full the sample is dropped and counted.
func (m *Monitor) Record(handlerID, version string, success bool, latency time.Duration) {
	sample := catalog.OutcomeSample{
		HandlerID:  handlerID,
		Version:    version,
		Success:    success,
		LatencyMS:  latency.Milliseconds(),
		RecordedAt: m.now().UTC(),
	}
	select {
	case m.buffer <- sample:
	default:
		m.mu.Lock()
		m.dropped++
		dropped := m.dropped
		m.mu.Unlock()
		if dropped%1000 == 1 {
			m.logger.Warn("outcome buffer full, dropping samples",
				logging.Int64("dropped_total", dropped),
				logging.String(logging.FieldEventType, "outcome_buffer_overflow"),
			)
		}
	}
}

// Flush synchronously drains and persists everything currently buffered.
func (m *Monitor) Flush(ctx context.Context) error {
	batch := m.drain()
	if len(batch) == 0 {
		return nil
	}
	return m.store.AppendOutcomes(ctx, batch)
}

func (m *Monitor) drain() []catalog.OutcomeSample {
	var batch []catalog.OutcomeSample
	for {
		select {
		case sample := <-m.buffer:
			batch = append(batch, sample)
		default:
			return batch
		}
	}
}

func (m *Monitor) runFlusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			if err := m.Flush(context.Background()); err != nil {
				m.logger.Error("final outcome flush failed", logging.Error(err))
			}
			return
		case <-ticker.C:
			if err := m.Flush(context.Background()); err != nil {
				m.logger.Error("outcome flush failed", logging.Error(err))
			}
		}
	}
}

// CompareAndMaybeRollback evaluates one handler's canary against its stable
// version and demotes the canary (weight 0, stable 100) when the canary's
// windowed error rate exceeds the stable's by more than the threshold.
// Returns true when a rollback was performed. Safe to invoke redundantly:
// once the canary carries no weight there is nothing left to decide.
func (m *Monitor) CompareAndMaybeRollback(ctx context.Context, handlerID string) (bool, error) {
	active, err := m.store.Active(ctx, handlerID)
	if err != nil {
		return false, err
	}

	weighted := make([]catalog.ActiveVersion, 0, len(active))
	for _, v := range active {
		if v.Weight > 0 {
			weighted = append(weighted, v)
		}
	}
	if len(weighted) < 2 {
		// Fully consolidated (or empty) rollout: nothing to compare.
		return false, nil
	}
	if len(weighted) > 2 || weighted[0].Weight == weighted[1].Weight {
		reason := "multiple canary versions carry traffic; automatic rollback disabled"
		if len(weighted) == 2 {
			reason = "canary and stable carry equal weight; automatic rollback disabled"
		}
		if err := m.store.FlagReview(ctx, handlerID, reason); err != nil {
			return false, err
		}
		m.logger.Warn("ambiguous rollout configuration",
			logging.String(logging.FieldHandlerID, handlerID),
			logging.String(logging.FieldEventType, "rollout_review_flagged"),
			logging.String(logging.FieldErrorHint, reason),
		)
		m.events.ReviewFlagged(ctx, handlerID, reason)
		return false, nil
	}

	canary, stable := weighted[0], weighted[1]
	if canary.Weight > stable.Weight {
		canary, stable = stable, canary
	}

	since := m.now().UTC().Add(-m.window)
	canaryStats, err := m.store.OutcomeStatsSince(ctx, handlerID, canary.Version, since)
	if err != nil {
		return false, err
	}
	stableStats, err := m.store.OutcomeStatsSince(ctx, handlerID, stable.Version, since)
	if err != nil {
		return false, err
	}

	// Guard against high-variance false positives on thin data.
	if canaryStats.Total() < m.minSamples || stableStats.Total() < m.minSamples {
		return false, nil
	}

	delta := canaryStats.ErrorRate() - stableStats.ErrorRate()
	if delta <= m.errorThreshold {
		return false, nil
	}

	if err := m.store.Rollback(ctx, handlerID, stable.Version); err != nil {
		return false, err
	}

	event := RollbackEvent{
		HandlerID:       handlerID,
		CanaryVersion:   canary.Version,
		StableVersion:   stable.Version,
		CanaryErrorRate: canaryStats.ErrorRate(),
		StableErrorRate: stableStats.ErrorRate(),
		CanarySamples:   canaryStats.Total(),
		StableSamples:   stableStats.Total(),
		At:              m.now().UTC(),
	}
	m.logger.Warn("canary rolled back",
		logging.String(logging.FieldHandlerID, handlerID),
		logging.String("canary_version", canary.Version),
		logging.String("stable_version", stable.Version),
		logging.Float64("canary_error_rate", event.CanaryErrorRate),
		logging.Float64("stable_error_rate", event.StableErrorRate),
		logging.String(logging.FieldEventType, "canary_rollback"),
	)
	m.events.RollbackTriggered(ctx, event)
	return true, nil
}

// CheckAll runs the rollback comparison for every handler in the catalog.
func (m *Monitor) CheckAll(ctx context.Context) error {
	ids, err := m.store.HandlerIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.CompareAndMaybeRollback(ctx, id); err != nil {
			m.logger.Error("rollback check failed",
				logging.String(logging.FieldHandlerID, id),
				logging.Error(err),
			)
		}
	}
	return nil
}

// Prune discards outcome samples older than the retention window.
func (m *Monitor) Prune(ctx context.Context) (int64, error) {
	return m.store.PruneOutcomes(ctx, m.now().UTC().Add(-m.retention))
}
