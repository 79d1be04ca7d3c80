package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"extractd/internal/config"
)

// timeFormat is fixed-width so lexicographic comparison inside SQL matches
// chronological order. RFC3339Nano trims trailing fractional zeros and
// would misorder sub-second timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrInvalidTransition indicates a state change that the job's current
// state does not permit (including any mutation of a terminal job).
var ErrInvalidTransition = errors.New("invalid job state transition")

// ErrNotFound indicates the referenced job does not exist.
var ErrNotFound = errors.New("job not found")

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the job database in the configured data
// directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "queue.db"))
}

// OpenPath opens the job database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the job database location.
func (s *Store) Path() string { return s.path }

// SubmitParams describes a job intake request.
type SubmitParams struct {
	HandlerID   string
	TenantID    string
	PayloadRef  string
	WebhookURL  string
	Priority    int
	MaxAttempts int
}

// Submit enqueues a new job and returns its persisted record.
func (s *Store) Submit(ctx context.Context, params SubmitParams) (*Job, error) {
	if strings.TrimSpace(params.HandlerID) == "" {
		return nil, errors.New("handler id is required")
	}
	if strings.TrimSpace(params.PayloadRef) == "" {
		return nil, errors.New("payload ref is required")
	}
	if params.Priority < 1 {
		return nil, errors.New("priority must be >= 1 (1 is highest)")
	}
	if params.MaxAttempts < 1 {
		return nil, errors.New("max attempts must be >= 1")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	timestamp := now.Format(timeFormat)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, handler_id, tenant_id, payload_ref, webhook_url, priority,
            state, max_attempts, created_at, updated_at, state_entered_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.HandlerID,
		nullableString(params.TenantID),
		params.PayloadRef,
		nullableString(params.WebhookURL),
		params.Priority,
		StateQueued,
		params.MaxAttempts,
		timestamp,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. Returns ErrNotFound when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the eligible queued job with the lowest
// priority number, ties broken by earliest creation. The claim is a single
// conditional UPDATE stamping a unique token, so no two concurrent callers
// can obtain the same job. Returns nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	timestamp := now.Format(timeFormat)
	token := uuid.NewString()

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET state = ?, claim_token = ?, state_entered_at = ?, updated_at = ?
         WHERE id = (
            SELECT id FROM jobs
            WHERE state = ? AND (not_eligible_until IS NULL OR not_eligible_until <= ?)
            ORDER BY priority ASC, created_at ASC, id ASC
            LIMIT 1
         ) AND state = ?`,
		StateClaimed,
		token,
		timestamp,
		timestamp,
		StateQueued,
		timestamp,
		StateQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE claim_token = ? AND state = ?`, token, StateClaimed)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions a claimed job (or one resuming after a stage)
// into processing and records when processing began.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateProcessing, nil, StateClaimed, StateStageComplete)
}

// MarkStageComplete records a finished stage and its output ref, leaving
// the job parked in stage_complete until the worker resumes it.
func (s *Store) MarkStageComplete(ctx context.Context, id, stage, ref string) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, StateStageComplete)
	}

	refs := job.StageRefs
	if refs == nil {
		refs = make(map[string]string)
	}
	refs[stage] = ref
	encoded, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal stage refs: %w", err)
	}

	set := map[string]any{"stage_refs": string(encoded)}
	return s.transition(ctx, id, StateStageComplete, set, StateProcessing)
}

// MarkCompleted finishes a job successfully. Completed is terminal.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	set := map[string]any{"last_error": nil, "claim_token": nil, "not_eligible_until": nil}
	return s.transition(ctx, id, StateCompleted, set, StateProcessing, StateStageComplete)
}

// Requeue returns a failed in-flight job to the queue for another attempt.
// The attempt counter and the eligibility delay are supplied by the retry
// coordinator.
func (s *Store) Requeue(ctx context.Context, id string, attemptCount int, notEligibleUntil time.Time, lastError string) error {
	set := map[string]any{
		"attempt_count":      attemptCount,
		"not_eligible_until": notEligibleUntil.UTC().Format(timeFormat),
		"last_error":         nullableString(lastError),
		"claim_token":        nil,
	}
	return s.transition(ctx, id, StateQueued, set, StateClaimed, StateProcessing, StateStageComplete)
}

// MarkErrored finishes a job as permanently failed. Errored is terminal.
func (s *Store) MarkErrored(ctx context.Context, id string, attemptCount int, lastError string) error {
	set := map[string]any{
		"attempt_count": attemptCount,
		"last_error":    nullableString(lastError),
		"claim_token":   nil,
	}
	return s.transition(ctx, id, StateErrored, set, StateClaimed, StateProcessing, StateStageComplete)
}

// AppendResolvedVersion records the handler version used by the current
// attempt, for reproducibility auditing.
func (s *Store) AppendResolvedVersion(ctx context.Context, id, version string) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	versions := append(job.ResolvedVersions, version)
	encoded, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("marshal resolved versions: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE jobs SET resolved_versions = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		time.Now().UTC().Format(timeFormat),
		id,
	)
	if err != nil {
		return fmt.Errorf("append resolved version: %w", err)
	}
	return nil
}

// StuckInFlight returns jobs that entered an in-flight state before the
// cutoff and never reported a terminal outcome. These are candidates for
// the timeout sweep.
func (s *Store) StuckInFlight(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE state IN (?, ?, ?) AND state_entered_at < ?
         ORDER BY state_entered_at`,
		StateClaimed,
		StateProcessing,
		StateStageComplete,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns jobs filtered by state set (or all jobs when no state is
// provided), oldest first.
func (s *Store) List(ctx context.Context, states ...State) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Stats returns a count of jobs grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.Total += count
		switch {
		case state == StateQueued:
			health.Queued += count
		case state == StateCompleted:
			health.Completed += count
		case state == StateErrored:
			health.Errored += count
		case IsInFlight(state):
			health.InFlight += count
		}
	}
	return health, nil
}

// transition performs a guarded state change: the UPDATE only matches when
// the job is currently in one of the allowed from-states, so terminal jobs
// and concurrent movers are rejected with ErrInvalidTransition.
func (s *Store) transition(ctx context.Context, id string, to State, set map[string]any, from ...State) error {
	if len(from) == 0 {
		return errors.New("transition requires at least one from-state")
	}

	now := time.Now().UTC().Format(timeFormat)
	clauses := []string{"state = ?", "state_entered_at = ?", "updated_at = ?"}
	args := []any{to, now, now}
	for column, value := range set {
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}

	query := `UPDATE jobs SET ` + strings.Join(clauses, ", ") + ` WHERE id = ? AND state IN (` + makePlaceholders(len(from)) + `)`
	args = append(args, id)
	for _, state := range from {
		args = append(args, state)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job to %s: %w", to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, to)
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var list []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

const jobColumns = "id, handler_id, tenant_id, payload_ref, webhook_url, priority, state, attempt_count, max_attempts, last_error, claim_token, created_at, updated_at, state_entered_at, not_eligible_until, stage_refs, resolved_versions"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		tenantID     sql.NullString
		webhookURL   sql.NullString
		stateStr     string
		lastError    sql.NullString
		claimToken   sql.NullString
		createdRaw   string
		updatedRaw   string
		enteredRaw   string
		eligibleRaw  sql.NullString
		stageRefs    sql.NullString
		resolvedJSON sql.NullString
	)

	if err := scanner.Scan(
		&job.ID,
		&job.HandlerID,
		&tenantID,
		&job.PayloadRef,
		&webhookURL,
		&job.Priority,
		&stateStr,
		&job.AttemptCount,
		&job.MaxAttempts,
		&lastError,
		&claimToken,
		&createdRaw,
		&updatedRaw,
		&enteredRaw,
		&eligibleRaw,
		&stageRefs,
		&resolvedJSON,
	); err != nil {
		return nil, err
	}

	job.TenantID = tenantID.String
	job.WebhookURL = webhookURL.String
	job.State = State(stateStr)
	job.LastError = lastError.String
	job.ClaimToken = claimToken.String

	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if entered, err := parseTimeString(enteredRaw); err == nil {
		job.StateEnteredAt = entered
	}
	if eligibleRaw.Valid {
		if eligible, err := parseTimeString(eligibleRaw.String); err == nil {
			job.NotEligibleUntil = &eligible
		}
	}
	if stageRefs.Valid && stageRefs.String != "" {
		if err := json.Unmarshal([]byte(stageRefs.String), &job.StageRefs); err != nil {
			return nil, fmt.Errorf("unmarshal stage refs: %w", err)
		}
	}
	if resolvedJSON.Valid && resolvedJSON.String != "" {
		if err := json.Unmarshal([]byte(resolvedJSON.String), &job.ResolvedVersions); err != nil {
			return nil, fmt.Errorf("unmarshal resolved versions: %w", err)
		}
	}
	return &job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
