// Package store defines the persistent record sets behind the semantic cache
// and repair tracker, and the storage contracts their coordinators depend on.
// The store is the only shared mutable resource in the system: the cache and
// tracker hold no in-process state, so any implementation must be safe under
// concurrent access from unrelated requests and, for the durable backends,
// across processes sharing the same database.
package store

import (
	"context"
	"time"

	"github.com/simweave/simweave/pkg/simulation"
)

// Entry status values. An entry is "complete" once a fully generated sequence
// is saved and "verified" once the client has confirmed every step rendered.
const (
	StatusComplete = "complete"
	StatusVerified = "verified"
)

// RepairStatus is the lifecycle state of a pending repair row.
type RepairStatus string

const (
	RepairPending  RepairStatus = "pending"
	RepairResolved RepairStatus = "resolved"
	RepairFailed   RepairStatus = "failed"
	RepairTimeout  RepairStatus = "timeout"
)

// CacheEntry is a cached, verified simulation result keyed by
// (prompt_key, difficulty).
type CacheEntry struct {
	PromptKey       string
	Difficulty      simulation.Difficulty
	Embedding       []float32 // nil when embedding was unavailable
	Payload         []byte    // opaque JSON step sequence
	Status          string
	StepCount       int
	IsFinalComplete bool
	ClientVerified  bool
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	AccessCount     int64
	AvgRating       *float64
}

// BrokenMarker records that a prompt is currently known to fail rendering.
// Markers are difficulty-scoped: the same prompt at another difficulty is
// unaffected.
type BrokenMarker struct {
	PromptHash      string
	Difficulty      simulation.Difficulty
	SessionID       string
	FailedStepIndex int
	FailureReason   string
	CreatedAt       time.Time
}

// PendingRepair asserts "step N of prompt P in session S is being fixed;
// do not cache yet".
type PendingRepair struct {
	SessionID  string
	PromptKey  string
	StepIndex  int
	Status     RepairStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// RepairAttempt is one append-only record of a repair strategy being tried.
type RepairAttempt struct {
	SessionID  string
	PromptKey  string
	StepIndex  int
	Tier       int // 1..4, cheapest/local to most expensive/global
	Success    bool
	DurationMs int64
	Error      string
	CreatedAt  time.Time
}

// Feedback is one append-only user rating record.
type Feedback struct {
	SessionID  string
	PromptKey  string
	Difficulty simulation.Difficulty
	Rating     int // +1 or -1
	Comment    string
	CreatedAt  time.Time
}

// RawOutput records the generator's raw, pre-sanitization output with simple
// structural signals, for offline reliability analysis.
type RawOutput struct {
	SessionID    string
	PromptKey    string
	ByteLength   int
	NewlineCount int
	Rendered     bool
	Raw          string
	CreatedAt    time.Time
}

// TierRollup is the daily aggregate counter per repair tier.
type TierRollup struct {
	Day       string // YYYY-MM-DD
	Tier      int
	Attempts  int64
	Successes int64
}

// CacheStats are the aggregate counts served to operational dashboards.
type CacheStats struct {
	CachedCount        int64   `json:"cached_count"`
	VerifiedCount      int64   `json:"verified_count"`
	BrokenCount        int64   `json:"broken_count"`
	PendingRepairCount int64   `json:"pending_repair_count"`
	RepairSuccessRate  float64 `json:"repair_success_rate"`
}

// EntryStore persists cache entries.
type EntryStore interface {
	// UpsertEntry inserts or updates an entry using the backend's native
	// conflict resolution so two concurrent first saves for the same key
	// cannot lose updates. On conflict the existing row's created_at,
	// last_accessed_at, access_count, and avg_rating are preserved and
	// client_verified is upgraded monotonically (never true -> false).
	UpsertEntry(ctx context.Context, e *CacheEntry) error

	// GetEntry retrieves an entry by its key. Returns ErrNotFound when absent.
	GetEntry(ctx context.Context, promptKey string, difficulty simulation.Difficulty) (*CacheEntry, error)

	// Candidates returns, in insertion order, all final-complete entries of
	// the given difficulty whose status is complete or verified and which
	// carry a stored embedding.
	Candidates(ctx context.Context, difficulty simulation.Difficulty) ([]*CacheEntry, error)

	// TouchEntry bumps access_count and last_accessed_at on a cache hit.
	TouchEntry(ctx context.Context, promptKey string, difficulty simulation.Difficulty) error

	// RefreshRating recomputes the entry's avg_rating from the feedback
	// records for its prompt key.
	RefreshRating(ctx context.Context, promptKey string, difficulty simulation.Difficulty) error

	// ClearEntries removes all cache entries (admin operation). Returns the
	// number of rows removed.
	ClearEntries(ctx context.Context) (int64, error)
}

// RepairStore persists pending repairs and broken markers.
type RepairStore interface {
	// UpsertPending creates or re-opens a pending repair row with a fresh
	// created_at timestamp.
	UpsertPending(ctx context.Context, sessionID, promptKey string, stepIndex int) error

	// ResolvePending moves a row to a terminal status. The row is retained
	// for debugging.
	ResolvePending(ctx context.Context, sessionID, promptKey string, stepIndex int, status RepairStatus) error

	// GetPending retrieves one pending-repair row. Returns ErrNotFound when absent.
	GetPending(ctx context.Context, sessionID, promptKey string, stepIndex int) (*PendingRepair, error)

	// PendingCount returns the number of rows still in pending status for
	// the (session, prompt) pair.
	PendingCount(ctx context.Context, sessionID, promptKey string) (int64, error)

	// ResolveAllPending bulk-moves every pending row for (session, prompt)
	// to the given terminal status. Returns the number of rows changed.
	ResolveAllPending(ctx context.Context, sessionID, promptKey string, status RepairStatus) (int64, error)

	// DeleteSessionRepairs hard-deletes all repair rows for a session.
	DeleteSessionRepairs(ctx context.Context, sessionID string) (int64, error)

	// TimeoutStalePending moves pending rows created before the cutoff to
	// timeout status. Returns the number of rows changed.
	TimeoutStalePending(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertBroken inserts or replaces a broken marker, last-writer-wins.
	UpsertBroken(ctx context.Context, m *BrokenMarker) error

	// GetBroken retrieves a broken marker. Returns ErrNotFound when absent.
	GetBroken(ctx context.Context, promptHash string, difficulty simulation.Difficulty) (*BrokenMarker, error)

	// DeleteBroken removes a marker, reporting whether a row existed.
	DeleteBroken(ctx context.Context, promptHash string, difficulty simulation.Difficulty) (bool, error)

	// DeleteExpiredBroken removes markers created before the cutoff.
	DeleteExpiredBroken(ctx context.Context, cutoff time.Time) (int64, error)
}

// TelemetryStore persists the append-only analytics records.
type TelemetryStore interface {
	// AppendRepairAttempt records one attempt and bumps the daily per-tier
	// rollup in the same transaction.
	AppendRepairAttempt(ctx context.Context, a *RepairAttempt) error

	// AppendFeedback records one user rating.
	AppendFeedback(ctx context.Context, f *Feedback) error

	// AppendRawOutput records one raw generator output.
	AppendRawOutput(ctx context.Context, r *RawOutput) error

	// TierRollups returns the rollup counters for a day (YYYY-MM-DD).
	TierRollups(ctx context.Context, day string) ([]TierRollup, error)

	// Stats returns the aggregate cache statistics.
	Stats(ctx context.Context) (*CacheStats, error)
}

// Store is the full persistent-store contract.
type Store interface {
	EntryStore
	RepairStore
	TelemetryStore

	// Close closes the store and releases any resources.
	Close() error
}
