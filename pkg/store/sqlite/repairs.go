package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
)

// UpsertPending creates or re-opens a pending repair row. A fresh call always
// resets the row to pending with a new created_at, so a retried repair for a
// previously resolved step opens a new cycle.
func (s *Store) UpsertPending(ctx context.Context, sessionID, promptKey string, stepIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_repairs (session_id, prompt_key, step_index, status, created_at, resolved_at)
		VALUES (?, ?, ?, 'pending', ?, NULL)
		ON CONFLICT(session_id, prompt_key, step_index) DO UPDATE SET
			status = 'pending',
			created_at = excluded.created_at,
			resolved_at = NULL
	`, sessionID, promptKey, stepIndex, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("upserting pending repair: %w", err)
	}
	return nil
}

// ResolvePending moves a row to a terminal status, retaining it for debugging.
func (s *Store) ResolvePending(ctx context.Context, sessionID, promptKey string, stepIndex int, status store.RepairStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_repairs
		SET status = ?, resolved_at = ?
		WHERE session_id = ? AND prompt_key = ? AND step_index = ?
	`, string(status), time.Now().UTC().Unix(), sessionID, promptKey, stepIndex)
	if err != nil {
		return fmt.Errorf("resolving pending repair: %w", err)
	}
	return nil
}

// GetPending retrieves one pending-repair row.
func (s *Store) GetPending(ctx context.Context, sessionID, promptKey string, stepIndex int) (*store.PendingRepair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, prompt_key, step_index, status, created_at, resolved_at
		FROM pending_repairs
		WHERE session_id = ? AND prompt_key = ? AND step_index = ?
	`, sessionID, promptKey, stepIndex)

	var (
		pr         store.PendingRepair
		status     string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&pr.SessionID, &pr.PromptKey, &pr.StepIndex, &status, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Key: promptKey}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pending repair: %w", err)
	}

	pr.Status = store.RepairStatus(status)
	pr.CreatedAt = time.Unix(createdAt, 0).UTC()
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		pr.ResolvedAt = &t
	}

	return &pr, nil
}

// PendingCount returns how many rows are still pending for (session, prompt).
func (s *Store) PendingCount(ctx context.Context, sessionID, promptKey string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_repairs
		WHERE session_id = ? AND prompt_key = ? AND status = 'pending'
	`, sessionID, promptKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending repairs: %w", err)
	}
	return count, nil
}

// ResolveAllPending bulk-moves every pending row for (session, prompt) to the
// given terminal status.
func (s *Store) ResolveAllPending(ctx context.Context, sessionID, promptKey string, status store.RepairStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_repairs
		SET status = ?, resolved_at = ?
		WHERE session_id = ? AND prompt_key = ? AND status = 'pending'
	`, string(status), time.Now().UTC().Unix(), sessionID, promptKey)
	if err != nil {
		return 0, fmt.Errorf("bulk-resolving pending repairs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSessionRepairs hard-deletes all repair rows for a session.
func (s *Store) DeleteSessionRepairs(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_repairs WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting session repairs: %w", err)
	}
	return res.RowsAffected()
}

// TimeoutStalePending moves pending rows created before the cutoff to timeout.
func (s *Store) TimeoutStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_repairs
		SET status = 'timeout', resolved_at = ?
		WHERE status = 'pending' AND created_at < ?
	`, time.Now().UTC().Unix(), cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("timing out stale repairs: %w", err)
	}
	return res.RowsAffected()
}

// UpsertBroken inserts or replaces a broken marker, last-writer-wins.
func (s *Store) UpsertBroken(ctx context.Context, m *store.BrokenMarker) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broken_markers (prompt_hash, difficulty, session_id, failed_step_index, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(prompt_hash, difficulty) DO UPDATE SET
			session_id = excluded.session_id,
			failed_step_index = excluded.failed_step_index,
			failure_reason = excluded.failure_reason,
			created_at = excluded.created_at
	`, m.PromptHash, string(m.Difficulty), m.SessionID, m.FailedStepIndex, m.FailureReason, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("upserting broken marker: %w", err)
	}
	return nil
}

// GetBroken retrieves a broken marker.
func (s *Store) GetBroken(ctx context.Context, promptHash string, difficulty simulation.Difficulty) (*store.BrokenMarker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT prompt_hash, difficulty, session_id, failed_step_index, failure_reason, created_at
		FROM broken_markers
		WHERE prompt_hash = ? AND difficulty = ?
	`, promptHash, string(difficulty))

	var (
		m         store.BrokenMarker
		diff      string
		createdAt int64
	)
	err := row.Scan(&m.PromptHash, &diff, &m.SessionID, &m.FailedStepIndex, &m.FailureReason, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Key: promptHash}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning broken marker: %w", err)
	}

	m.Difficulty = simulation.Difficulty(diff)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &m, nil
}

// DeleteBroken removes a marker, reporting whether a row existed.
func (s *Store) DeleteBroken(ctx context.Context, promptHash string, difficulty simulation.Difficulty) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM broken_markers WHERE prompt_hash = ? AND difficulty = ?
	`, promptHash, string(difficulty))
	if err != nil {
		return false, fmt.Errorf("deleting broken marker: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteExpiredBroken removes markers created before the cutoff.
func (s *Store) DeleteExpiredBroken(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM broken_markers WHERE created_at < ?
	`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("deleting expired broken markers: %w", err)
	}
	return res.RowsAffected()
}
