package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/simweave/simweave/pkg/store"
)

// AppendRepairAttempt records one attempt and bumps the daily per-tier rollup
// in the same transaction so the counters never drift from the raw log.
func (s *Store) AppendRepairAttempt(ctx context.Context, a *store.RepairAttempt) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repair_attempts (session_id, prompt_key, step_index, tier, success, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.SessionID, a.PromptKey, a.StepIndex, a.Tier, a.Success, a.DurationMs, a.Error, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting repair attempt: %w", err)
	}

	success := 0
	if a.Success {
		success = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repair_attempt_daily (day, tier, attempts, successes)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(day, tier) DO UPDATE SET
			attempts = repair_attempt_daily.attempts + 1,
			successes = repair_attempt_daily.successes + excluded.successes
	`, createdAt.Format("2006-01-02"), a.Tier, success)
	if err != nil {
		return fmt.Errorf("bumping daily rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AppendFeedback records one user rating.
func (s *Store) AppendFeedback(ctx context.Context, f *store.Feedback) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (session_id, prompt_key, difficulty, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.SessionID, f.PromptKey, string(f.Difficulty), f.Rating, f.Comment, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

// AppendRawOutput records one raw generator output.
func (s *Store) AppendRawOutput(ctx context.Context, r *store.RawOutput) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_outputs (session_id, prompt_key, byte_length, newline_count, rendered, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.PromptKey, r.ByteLength, r.NewlineCount, r.Rendered, r.Raw, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting raw output: %w", err)
	}
	return nil
}

// TierRollups returns the rollup counters for a day.
func (s *Store) TierRollups(ctx context.Context, day string) ([]store.TierRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, tier, attempts, successes
		FROM repair_attempt_daily
		WHERE day = ?
		ORDER BY tier ASC
	`, day)
	if err != nil {
		return nil, fmt.Errorf("querying rollups: %w", err)
	}
	defer rows.Close()

	var rollups []store.TierRollup
	for rows.Next() {
		var r store.TierRollup
		if err := rows.Scan(&r.Day, &r.Tier, &r.Attempts, &r.Successes); err != nil {
			return nil, fmt.Errorf("scanning rollup: %w", err)
		}
		rollups = append(rollups, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rollups: %w", err)
	}

	return rollups, nil
}

// Stats returns the aggregate cache statistics.
func (s *Store) Stats(ctx context.Context) (*store.CacheStats, error) {
	stats := &store.CacheStats{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries`,
	).Scan(&stats.CachedCount); err != nil {
		return nil, fmt.Errorf("counting cache entries: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE client_verified = 1`,
	).Scan(&stats.VerifiedCount); err != nil {
		return nil, fmt.Errorf("counting verified entries: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broken_markers`,
	).Scan(&stats.BrokenCount); err != nil {
		return nil, fmt.Errorf("counting broken markers: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_repairs WHERE status = 'pending'`,
	).Scan(&stats.PendingRepairCount); err != nil {
		return nil, fmt.Errorf("counting pending repairs: %w", err)
	}

	var attempts, successes int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM repair_attempts`,
	).Scan(&attempts, &successes); err != nil {
		return nil, fmt.Errorf("counting repair attempts: %w", err)
	}
	if attempts > 0 {
		stats.RepairSuccessRate = float64(successes) / float64(attempts)
	}

	return stats, nil
}
