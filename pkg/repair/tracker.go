// Package repair coordinates the per-session repair state machine and the
// broken-prompt blocklist so the semantic cache never stores an unverified or
// known-bad simulation.
//
// Every operation here is best-effort bookkeeping: a storage error is logged
// and a safe default returned, never raised. Losing a repair-tracking row is
// recoverable (worst case, one slightly stale cache decision); failing the
// request is not.
package repair

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
)

const (
	// DefaultPendingTimeout is how long a repair may stay pending before
	// opportunistic cleanup moves it to timeout. Prevents a crashed session
	// from permanently blocking caching for its prompt.
	DefaultPendingTimeout = 15 * time.Minute

	// DefaultBrokenTTL is how long a broken marker blocks a prompt before
	// it expires and organic retry is allowed again.
	DefaultBrokenTTL = 24 * time.Hour
)

// Tracker is a stateless coordinator over the repair store. Any number of
// Trackers may exist across processes as long as they share the store.
type Tracker struct {
	store  store.RepairStore
	logger *zap.Logger

	pendingTimeout time.Duration
	brokenTTL      time.Duration
	now            func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPendingTimeout overrides the pending-repair timeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.pendingTimeout = d }
}

// WithBrokenTTL overrides the broken-marker expiry age.
func WithBrokenTTL(d time.Duration) Option {
	return func(t *Tracker) { t.brokenTTL = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a repair tracker over the given store.
func NewTracker(s store.RepairStore, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:          s,
		logger:         logger,
		pendingTimeout: DefaultPendingTimeout,
		brokenTTL:      DefaultBrokenTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkPending records that a repair attempt has begun for a step. Idempotent:
// a repeated call resets the row to pending with a fresh timestamp.
func (t *Tracker) MarkPending(ctx context.Context, sessionID, promptKey string, stepIndex int) {
	t.Expire(ctx)

	if err := t.store.UpsertPending(ctx, sessionID, promptKey, stepIndex); err != nil {
		t.logger.Warn("failed to mark repair pending",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Int("step_index", stepIndex),
			zap.Error(err),
		)
	}
}

// MarkResolved moves a pending repair to its terminal state. The row is
// retained as history.
func (t *Tracker) MarkResolved(ctx context.Context, sessionID, promptKey string, stepIndex int, success bool) {
	status := store.RepairResolved
	if !success {
		status = store.RepairFailed
	}

	if err := t.store.ResolvePending(ctx, sessionID, promptKey, stepIndex, status); err != nil {
		t.logger.Warn("failed to resolve pending repair",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Int("step_index", stepIndex),
			zap.Error(err),
		)
	}
}

// ClearPromptSession bulk-resolves every outstanding pending repair for
// (session, prompt). Called when the client confirms the whole sequence
// rendered: if everything rendered, any outstanding repairs must in fact have
// succeeded.
func (t *Tracker) ClearPromptSession(ctx context.Context, sessionID, promptKey string) {
	changed, err := t.store.ResolveAllPending(ctx, sessionID, promptKey, store.RepairResolved)
	if err != nil {
		t.logger.Warn("failed to clear pending repairs for prompt",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return
	}

	if changed > 0 {
		t.logger.Debug("cleared pending repairs",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Int64("count", changed),
		)
	}
}

// ClearSession hard-deletes all repair rows for a session. Used on
// client-side reset/reload, since a fresh client has no memory of what was
// pending.
func (t *Tracker) ClearSession(ctx context.Context, sessionID string) {
	if _, err := t.store.DeleteSessionRepairs(ctx, sessionID); err != nil {
		t.logger.Warn("failed to clear session repairs",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// HasPending reports whether any repair is still pending for (session,
// prompt) after opportunistic cleanup. The orchestrator must consult this
// before asking the cache to save.
func (t *Tracker) HasPending(ctx context.Context, sessionID, promptKey string) bool {
	t.Expire(ctx)

	count, err := t.store.PendingCount(ctx, sessionID, promptKey)
	if err != nil {
		t.logger.Warn("failed to count pending repairs",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return false
	}
	return count > 0
}

// IsBroken reports whether a non-expired broken marker exists for the prompt
// at the given difficulty. Expired markers are deleted as a side effect of
// the check (lazy expiry).
func (t *Tracker) IsBroken(ctx context.Context, promptKey string, difficulty simulation.Difficulty) bool {
	marker, err := t.store.GetBroken(ctx, promptKey, difficulty)
	if err != nil {
		if _, ok := err.(store.ErrNotFound); !ok {
			t.logger.Warn("failed to check broken marker",
				zap.String("prompt_key", promptKey),
				zap.String("difficulty", string(difficulty)),
				zap.Error(err),
			)
		}
		return false
	}

	if t.now().Sub(marker.CreatedAt) > t.brokenTTL {
		if _, err := t.store.DeleteBroken(ctx, promptKey, difficulty); err != nil {
			t.logger.Warn("failed to delete expired broken marker",
				zap.String("prompt_key", promptKey),
				zap.Error(err),
			)
		}
		return false
	}

	return true
}

// MarkBroken records that repair attempts for a prompt are exhausted.
// Last-writer-wins on reason/session/timestamp. Giving up implies no further
// repair is in flight, so the session's pending repairs for the prompt are
// resolved as failed.
func (t *Tracker) MarkBroken(ctx context.Context, sessionID, promptKey string, difficulty simulation.Difficulty, failedStepIndex int, reason string) {
	marker := &store.BrokenMarker{
		PromptHash:      promptKey,
		Difficulty:      difficulty,
		SessionID:       sessionID,
		FailedStepIndex: failedStepIndex,
		FailureReason:   reason,
		CreatedAt:       t.now().UTC(),
	}

	if err := t.store.UpsertBroken(ctx, marker); err != nil {
		t.logger.Warn("failed to mark prompt broken",
			zap.String("prompt_key", promptKey),
			zap.String("difficulty", string(difficulty)),
			zap.Error(err),
		)
		return
	}

	if _, err := t.store.ResolveAllPending(ctx, sessionID, promptKey, store.RepairFailed); err != nil {
		t.logger.Warn("failed to fail pending repairs for broken prompt",
			zap.String("session_id", sessionID),
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
	}

	t.logger.Info("prompt marked broken",
		zap.String("prompt_key", promptKey),
		zap.String("difficulty", string(difficulty)),
		zap.Int("failed_step_index", failedStepIndex),
		zap.String("reason", reason),
	)
}

// ClearBroken deletes a broken marker, reporting whether one existed.
// Admin/recovery operation.
func (t *Tracker) ClearBroken(ctx context.Context, promptKey string, difficulty simulation.Difficulty) bool {
	existed, err := t.store.DeleteBroken(ctx, promptKey, difficulty)
	if err != nil {
		t.logger.Warn("failed to clear broken marker",
			zap.String("prompt_key", promptKey),
			zap.String("difficulty", string(difficulty)),
			zap.Error(err),
		)
		return false
	}
	return existed
}

// Expire runs opportunistic cleanup: pending repairs older than the pending
// timeout move to timeout status, and broken markers older than the broken
// TTL are deleted. Isolated here so the expiry side effect can be tested
// independently of lookup logic. Returns (timed-out, expired) counts.
func (t *Tracker) Expire(ctx context.Context) (int64, int64) {
	now := t.now().UTC()

	timedOut, err := t.store.TimeoutStalePending(ctx, now.Add(-t.pendingTimeout))
	if err != nil {
		t.logger.Warn("failed to time out stale pending repairs", zap.Error(err))
	}

	expired, err := t.store.DeleteExpiredBroken(ctx, now.Add(-t.brokenTTL))
	if err != nil {
		t.logger.Warn("failed to delete expired broken markers", zap.Error(err))
	}

	if timedOut > 0 || expired > 0 {
		t.logger.Debug("expired stale repair state",
			zap.Int64("pending_timed_out", timedOut),
			zap.Int64("broken_expired", expired),
		)
	}

	return timedOut, expired
}
