package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	_ "modernc.org/sqlite"

	"extractd/internal/config"
)

// minSunsetNotice is the minimum lead time between deprecation and sunset.
const minSunsetNotice = 30 * 24 * time.Hour

// timeFormat is fixed-width so lexicographic comparison inside SQL matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages handler version metadata, tenant overrides, and outcome
// samples backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the registry database in the configured
// data directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "registry.db"))
}

// OpenPath opens the registry database at an explicit path.
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

// Path returns the registry database location.
func (s *Store) Path() string { return s.path }

// Register appends a new handler version. The initial weight defaults to 0
// so registration never disturbs live routing; weight is granted later via
// SetWeights.
func (s *Store) Register(ctx context.Context, handlerID, version string, weight int, schemaTags []string) (*HandlerVersion, error) {
	handlerID = strings.TrimSpace(handlerID)
	if handlerID == "" {
		return nil, errors.New("handler id is required")
	}
	parsed, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return nil, fmt.Errorf("invalid semver %q: %w", version, err)
	}
	canonical := parsed.String()
	if weight < 0 || weight > 100 {
		return nil, fmt.Errorf("rollout weight %d out of range [0,100]", weight)
	}

	now := time.Now().UTC()
	timestamp := now.Format(timeFormat)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO handler_versions (
            handler_id, version, lifecycle, rollout_weight, schema_tags, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		handlerID,
		canonical,
		LifecycleActive,
		weight,
		nullableString(strings.Join(schemaTags, ",")),
		timestamp,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &DuplicateVersionError{HandlerID: handlerID, Version: canonical}
		}
		return nil, fmt.Errorf("insert handler version: %w", err)
	}
	return s.Get(ctx, handlerID, canonical)
}

// MarkDeprecated transitions a version to deprecated with a sunset date at
// least 30 days out. The version must not carry routing weight; reassign
// weights first so the sum-to-100 invariant over active versions holds.
func (s *Store) MarkDeprecated(ctx context.Context, handlerID, version string, sunsetAt time.Time, guideURL string) error {
	existing, err := s.Get(ctx, handlerID, version)
	if err != nil {
		return err
	}

	earliest := time.Now().UTC().Add(minSunsetNotice)
	if sunsetAt.Before(earliest) {
		return &InvalidSunsetError{HandlerID: handlerID, Version: existing.Version, SunsetAt: sunsetAt, Earliest: earliest}
	}
	if existing.RolloutWeight != 0 {
		return &WeightInvariantError{HandlerID: handlerID, Sum: 100 - existing.RolloutWeight}
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE handler_versions
         SET lifecycle = ?, sunset_at = ?, guide_url = ?, updated_at = ?
         WHERE handler_id = ? AND version = ?`,
		LifecycleDeprecated,
		sunsetAt.UTC().Format(timeFormat),
		nullableString(strings.TrimSpace(guideURL)),
		time.Now().UTC().Format(timeFormat),
		handlerID,
		existing.Version,
	)
	if err != nil {
		return fmt.Errorf("mark deprecated: %w", err)
	}
	return nil
}

// SetWeights atomically updates rollout weights for a handler. Every listed
// version must be routable; versions omitted keep their current weight. The
// resulting active weights must sum to exactly 100 or the whole update is
// rejected and state is unchanged.
func (s *Store) SetWeights(ctx context.Context, handlerID string, weights map[string]int) error {
	if len(weights) == 0 {
		return errors.New("at least one weight is required")
	}
	for version, weight := range weights {
		if weight < 0 || weight > 100 {
			return fmt.Errorf("rollout weight %d for version %s out of range [0,100]", weight, version)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin weights tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	versions, err := handlerVersionsTx(ctx, tx, handlerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sum := 0
	matched := 0
	for _, v := range versions {
		if !v.Routable(now) {
			if _, ok := weights[v.Version]; ok {
				return &VersionNotFoundError{HandlerID: handlerID, Version: v.Version}
			}
			continue
		}
		if weight, ok := weights[v.Version]; ok {
			sum += weight
			matched++
		} else {
			sum += v.RolloutWeight
		}
	}
	if matched != len(weights) {
		for version := range weights {
			if !containsVersion(versions, version) {
				return &VersionNotFoundError{HandlerID: handlerID, Version: version}
			}
		}
	}
	if sum != 100 {
		return &WeightInvariantError{HandlerID: handlerID, Sum: sum}
	}

	timestamp := now.Format(timeFormat)
	for version, weight := range weights {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE handler_versions SET rollout_weight = ?, updated_at = ?
             WHERE handler_id = ? AND version = ?`,
			weight, timestamp, handlerID, version,
		); err != nil {
			return fmt.Errorf("update weight for %s: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit weights: %w", err)
	}
	return nil
}

// Active returns the routable (version, weight) pairs for a handler in
// deterministic ascending semver order.
func (s *Store) Active(ctx context.Context, handlerID string) ([]ActiveVersion, error) {
	versions, err := s.Versions(ctx, handlerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	active := make([]ActiveVersion, 0, len(versions))
	for _, v := range versions {
		if v.Routable(now) {
			active = append(active, ActiveVersion{Version: v.Version, Weight: v.RolloutWeight})
		}
	}
	return active, nil
}

// Versions returns all versions of a handler in ascending semver order,
// including deprecated and sunset entries.
func (s *Store) Versions(ctx context.Context, handlerID string) ([]*HandlerVersion, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+versionColumns+` FROM handler_versions WHERE handler_id = ?`,
		handlerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query handler versions: %w", err)
	}
	defer rows.Close()

	var versions []*HandlerVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// HandlerIDs returns all handler ids present in the catalog.
func (s *Store) HandlerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT handler_id FROM handler_versions ORDER BY handler_id`)
	if err != nil {
		return nil, fmt.Errorf("query handler ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Get fetches a single handler version.
func (s *Store) Get(ctx context.Context, handlerID, version string) (*HandlerVersion, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+versionColumns+` FROM handler_versions WHERE handler_id = ? AND version = ?`,
		handlerID, version,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &VersionNotFoundError{HandlerID: handlerID, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("get handler version: %w", err)
	}
	return v, nil
}

// Rollback routes all traffic for a handler to a single version: the target
// gets weight 100 and every other routable version drops to 0, atomically.
func (s *Store) Rollback(ctx context.Context, handlerID, toVersion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	versions, err := handlerVersionsTx(ctx, tx, handlerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var target *HandlerVersion
	for _, v := range versions {
		if v.Version == toVersion {
			target = v
			break
		}
	}
	if target == nil {
		return &VersionNotFoundError{HandlerID: handlerID, Version: toVersion}
	}
	if !target.Routable(now) {
		if target.SunsetAt != nil && !now.Before(*target.SunsetAt) {
			return &SunsetVersionError{HandlerID: handlerID, Version: toVersion, SunsetAt: *target.SunsetAt, GuideURL: target.GuideURL}
		}
		return fmt.Errorf("version %s of handler %s is not active", toVersion, handlerID)
	}

	timestamp := now.Format(timeFormat)
	for _, v := range versions {
		if !v.Routable(now) {
			continue
		}
		weight := 0
		if v.Version == toVersion {
			weight = 100
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE handler_versions SET rollout_weight = ?, updated_at = ?
             WHERE handler_id = ? AND version = ?`,
			weight, timestamp, handlerID, v.Version,
		); err != nil {
			return fmt.Errorf("rollback weight for %s: %w", v.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// SetTenantOverride pins a tenant to an exact version of a handler.
func (s *Store) SetTenantOverride(ctx context.Context, tenantID, handlerID, version string) error {
	if strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant id is required")
	}
	if _, err := s.Get(ctx, handlerID, version); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tenant_overrides (tenant_id, handler_id, pinned_version, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (tenant_id, handler_id) DO UPDATE SET pinned_version = excluded.pinned_version`,
		tenantID, handlerID, version, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("set tenant override: %w", err)
	}
	return nil
}

// RemoveTenantOverride deletes a pin. Removing a missing pin is a no-op.
func (s *Store) RemoveTenantOverride(ctx context.Context, tenantID, handlerID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM tenant_overrides WHERE tenant_id = ? AND handler_id = ?`,
		tenantID, handlerID,
	)
	if err != nil {
		return fmt.Errorf("remove tenant override: %w", err)
	}
	return nil
}

// TenantOverrideFor returns the pin for (tenant, handler), or nil when none
// exists.
func (s *Store) TenantOverrideFor(ctx context.Context, tenantID, handlerID string) (*TenantOverride, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, handler_id, pinned_version, created_at FROM tenant_overrides
         WHERE tenant_id = ? AND handler_id = ?`,
		tenantID, handlerID,
	)
	var (
		override   TenantOverride
		createdRaw string
	)
	err := row.Scan(&override.TenantID, &override.HandlerID, &override.PinnedVersion, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant override: %w", err)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		override.CreatedAt = created
	}
	return &override, nil
}

// FlagReview records that a handler's rollout configuration needs operator
// attention. Re-flagging updates the reason.
func (s *Store) FlagReview(ctx context.Context, handlerID, reason string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO review_flags (handler_id, reason, flagged_at) VALUES (?, ?, ?)
         ON CONFLICT (handler_id) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at`,
		handlerID, reason, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("flag review: %w", err)
	}
	return nil
}

// ClearReview removes a handler's review flag.
func (s *Store) ClearReview(ctx context.Context, handlerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM review_flags WHERE handler_id = ?`, handlerID); err != nil {
		return fmt.Errorf("clear review: %w", err)
	}
	return nil
}

// ReviewFlags lists handlers currently flagged for operator review.
func (s *Store) ReviewFlags(ctx context.Context) ([]ReviewFlag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handler_id, reason, flagged_at FROM review_flags ORDER BY handler_id`)
	if err != nil {
		return nil, fmt.Errorf("query review flags: %w", err)
	}
	defer rows.Close()

	var flags []ReviewFlag
	for rows.Next() {
		var (
			flag       ReviewFlag
			flaggedRaw string
		)
		if err := rows.Scan(&flag.HandlerID, &flag.Reason, &flaggedRaw); err != nil {
			return nil, err
		}
		if flagged, err := parseTimeString(flaggedRaw); err == nil {
			flag.FlaggedAt = flagged
		}
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

func handlerVersionsTx(ctx context.Context, tx *sql.Tx, handlerID string) ([]*HandlerVersion, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT `+versionColumns+` FROM handler_versions WHERE handler_id = ?`,
		handlerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query handler versions: %w", err)
	}
	defer rows.Close()

	var versions []*HandlerVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &NoActiveVersionError{HandlerID: handlerID}
	}
	sortVersions(versions)
	return versions, nil
}

func sortVersions(versions []*HandlerVersion) {
	sort.Slice(versions, func(i, j int) bool {
		vi, erri := semver.NewVersion(versions[i].Version)
		vj, errj := semver.NewVersion(versions[j].Version)
		if erri != nil || errj != nil {
			return versions[i].Version < versions[j].Version
		}
		return vi.LessThan(vj)
	})
}

func containsVersion(versions []*HandlerVersion, version string) bool {
	for _, v := range versions {
		if v.Version == version {
			return true
		}
	}
	return false
}

const versionColumns = "handler_id, version, lifecycle, rollout_weight, sunset_at, guide_url, schema_tags, created_at, updated_at"

func scanVersion(scanner interface{ Scan(dest ...any) error }) (*HandlerVersion, error) {
	var (
		v          HandlerVersion
		lifecycle  string
		sunsetRaw  sql.NullString
		guideURL   sql.NullString
		schemaTags sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&v.HandlerID,
		&v.Version,
		&lifecycle,
		&v.RolloutWeight,
		&sunsetRaw,
		&guideURL,
		&schemaTags,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	v.Lifecycle = Lifecycle(lifecycle)
	v.GuideURL = guideURL.String
	if schemaTags.Valid && schemaTags.String != "" {
		v.SchemaTags = strings.Split(schemaTags.String, ",")
	}
	if sunsetRaw.Valid {
		if sunset, err := parseTimeString(sunsetRaw.String); err == nil {
			v.SunsetAt = &sunset
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		v.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		v.UpdatedAt = updated
	}
	return &v, nil
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}
