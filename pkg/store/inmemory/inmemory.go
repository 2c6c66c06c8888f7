// Package inmemory provides a map-backed store implementation used by tests
// and no-disk runs. All operations are guarded by a single mutex; the
// semantics match the SQLite store, including upsert and expiry behavior.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
)

type entryKey struct {
	promptKey  string
	difficulty simulation.Difficulty
}

type pendingKey struct {
	sessionID string
	promptKey string
	stepIndex int
}

// Store implements store.Store in process memory.
type Store struct {
	mu sync.Mutex

	entries    map[entryKey]*store.CacheEntry
	entryOrder []entryKey // insertion order for Candidates
	broken     map[entryKey]*store.BrokenMarker
	pending    map[pendingKey]*store.PendingRepair
	attempts   []*store.RepairAttempt
	rollups    map[string]map[int]*store.TierRollup // day -> tier
	feedback   []*store.Feedback
	rawOutputs []*store.RawOutput
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[entryKey]*store.CacheEntry),
		broken:  make(map[entryKey]*store.BrokenMarker),
		pending: make(map[pendingKey]*store.PendingRepair),
		rollups: make(map[string]map[int]*store.TierRollup),
	}
}

func (s *Store) UpsertEntry(_ context.Context, e *store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{e.PromptKey, e.Difficulty}
	now := time.Now().UTC()

	if existing, ok := s.entries[key]; ok {
		existing.Embedding = e.Embedding
		existing.Payload = e.Payload
		existing.Status = e.Status
		existing.StepCount = e.StepCount
		existing.IsFinalComplete = e.IsFinalComplete
		existing.ClientVerified = existing.ClientVerified || e.ClientVerified
		return nil
	}

	clone := *e
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.LastAccessedAt.IsZero() {
		clone.LastAccessedAt = clone.CreatedAt
	}
	clone.AccessCount = 0
	s.entries[key] = &clone
	s.entryOrder = append(s.entryOrder, key)
	return nil
}

func (s *Store) GetEntry(_ context.Context, promptKey string, difficulty simulation.Difficulty) (*store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryKey{promptKey, difficulty}]
	if !ok {
		return nil, store.ErrNotFound{Key: promptKey}
	}
	clone := *e
	return &clone, nil
}

func (s *Store) Candidates(_ context.Context, difficulty simulation.Difficulty) ([]*store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.CacheEntry
	for _, key := range s.entryOrder {
		e, ok := s.entries[key]
		if !ok || e.Difficulty != difficulty {
			continue
		}
		if !e.IsFinalComplete || e.Embedding == nil {
			continue
		}
		if e.Status != store.StatusComplete && e.Status != store.StatusVerified {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) TouchEntry(_ context.Context, promptKey string, difficulty simulation.Difficulty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[entryKey{promptKey, difficulty}]; ok {
		e.AccessCount++
		e.LastAccessedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) RefreshRating(_ context.Context, promptKey string, difficulty simulation.Difficulty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryKey{promptKey, difficulty}]
	if !ok {
		return nil
	}

	var sum, n int
	for _, f := range s.feedback {
		if f.PromptKey == promptKey && f.Difficulty == difficulty {
			sum += f.Rating
			n++
		}
	}
	if n == 0 {
		e.AvgRating = nil
		return nil
	}
	avg := float64(sum) / float64(n)
	e.AvgRating = &avg
	return nil
}

func (s *Store) ClearEntries(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.entries))
	s.entries = make(map[entryKey]*store.CacheEntry)
	s.entryOrder = nil
	return n, nil
}

func (s *Store) UpsertPending(_ context.Context, sessionID, promptKey string, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pendingKey{sessionID, promptKey, stepIndex}] = &store.PendingRepair{
		SessionID: sessionID,
		PromptKey: promptKey,
		StepIndex: stepIndex,
		Status:    store.RepairPending,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Store) ResolvePending(_ context.Context, sessionID, promptKey string, stepIndex int, status store.RepairStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pr, ok := s.pending[pendingKey{sessionID, promptKey, stepIndex}]; ok {
		now := time.Now().UTC()
		pr.Status = status
		pr.ResolvedAt = &now
	}
	return nil
}

func (s *Store) GetPending(_ context.Context, sessionID, promptKey string, stepIndex int) (*store.PendingRepair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.pending[pendingKey{sessionID, promptKey, stepIndex}]
	if !ok {
		return nil, store.ErrNotFound{Key: promptKey}
	}
	clone := *pr
	return &clone, nil
}

func (s *Store) PendingCount(_ context.Context, sessionID, promptKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for key, pr := range s.pending {
		if key.sessionID == sessionID && key.promptKey == promptKey && pr.Status == store.RepairPending {
			count++
		}
	}
	return count, nil
}

func (s *Store) ResolveAllPending(_ context.Context, sessionID, promptKey string, status store.RepairStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var changed int64
	for key, pr := range s.pending {
		if key.sessionID == sessionID && key.promptKey == promptKey && pr.Status == store.RepairPending {
			pr.Status = status
			pr.ResolvedAt = &now
			changed++
		}
	}
	return changed, nil
}

func (s *Store) DeleteSessionRepairs(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.pending {
		if key.sessionID == sessionID {
			delete(s.pending, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) TimeoutStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var changed int64
	for _, pr := range s.pending {
		if pr.Status == store.RepairPending && pr.CreatedAt.Before(cutoff) {
			pr.Status = store.RepairTimeout
			pr.ResolvedAt = &now
			changed++
		}
	}
	return changed, nil
}

func (s *Store) UpsertBroken(_ context.Context, m *store.BrokenMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *m
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.broken[entryKey{m.PromptHash, m.Difficulty}] = &clone
	return nil
}

func (s *Store) GetBroken(_ context.Context, promptHash string, difficulty simulation.Difficulty) (*store.BrokenMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.broken[entryKey{promptHash, difficulty}]
	if !ok {
		return nil, store.ErrNotFound{Key: promptHash}
	}
	clone := *m
	return &clone, nil
}

func (s *Store) DeleteBroken(_ context.Context, promptHash string, difficulty simulation.Difficulty) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{promptHash, difficulty}
	if _, ok := s.broken[key]; !ok {
		return false, nil
	}
	delete(s.broken, key)
	return true, nil
}

func (s *Store) DeleteExpiredBroken(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, m := range s.broken {
		if m.CreatedAt.Before(cutoff) {
			delete(s.broken, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) AppendRepairAttempt(_ context.Context, a *store.RepairAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *a
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.attempts = append(s.attempts, &clone)

	day := clone.CreatedAt.Format("2006-01-02")
	if s.rollups[day] == nil {
		s.rollups[day] = make(map[int]*store.TierRollup)
	}
	r, ok := s.rollups[day][clone.Tier]
	if !ok {
		r = &store.TierRollup{Day: day, Tier: clone.Tier}
		s.rollups[day][clone.Tier] = r
	}
	r.Attempts++
	if clone.Success {
		r.Successes++
	}
	return nil
}

func (s *Store) AppendFeedback(_ context.Context, f *store.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *f
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.feedback = append(s.feedback, &clone)
	return nil
}

func (s *Store) AppendRawOutput(_ context.Context, r *store.RawOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *r
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.rawOutputs = append(s.rawOutputs, &clone)
	return nil
}

func (s *Store) TierRollups(_ context.Context, day string) ([]store.TierRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.TierRollup
	for tier := 1; tier <= 4; tier++ {
		if r, ok := s.rollups[day][tier]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context) (*store.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &store.CacheStats{
		CachedCount: int64(len(s.entries)),
		BrokenCount: int64(len(s.broken)),
	}
	for _, e := range s.entries {
		if e.ClientVerified {
			stats.VerifiedCount++
		}
	}
	for _, pr := range s.pending {
		if pr.Status == store.RepairPending {
			stats.PendingRepairCount++
		}
	}
	var successes int64
	for _, a := range s.attempts {
		if a.Success {
			successes++
		}
	}
	if len(s.attempts) > 0 {
		stats.RepairSuccessRate = float64(successes) / float64(len(s.attempts))
	}
	return stats, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
