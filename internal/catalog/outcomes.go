package catalog

import (
	"context"
	"fmt"
	"time"
)

// AppendOutcomes persists a batch of outcome samples in one transaction.
func (s *Store) AppendOutcomes(ctx context.Context, samples []OutcomeSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcomes tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO outcome_samples (handler_id, version, success, latency_ms, recorded_at)
         VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare outcomes insert: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		recorded := sample.RecordedAt
		if recorded.IsZero() {
			recorded = time.Now().UTC()
		}
		success := 0
		if sample.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(
			ctx,
			sample.HandlerID,
			sample.Version,
			success,
			sample.LatencyMS,
			recorded.UTC().Format(timeFormat),
		); err != nil {
			return fmt.Errorf("insert outcome sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcomes: %w", err)
	}
	return nil
}

// OutcomeStatsSince aggregates samples for one (handler, version) recorded
// at or after the cutoff.
func (s *Store) OutcomeStatsSince(ctx context.Context, handlerID, version string, since time.Time) (OutcomeStats, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT
            COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
         FROM outcome_samples
         WHERE handler_id = ? AND version = ? AND recorded_at >= ?`,
		handlerID, version, since.UTC().Format(timeFormat),
	)
	var stats OutcomeStats
	if err := row.Scan(&stats.Successes, &stats.Failures); err != nil {
		return OutcomeStats{}, fmt.Errorf("aggregate outcomes: %w", err)
	}
	return stats, nil
}

// PruneOutcomes discards samples recorded before the cutoff and returns how
// many rows were removed.
func (s *Store) PruneOutcomes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM outcome_samples WHERE recorded_at < ?`,
		before.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}
