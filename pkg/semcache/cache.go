// Package semcache maps a free-text prompt and difficulty to a previously
// verified simulation payload, using embedding similarity as a fallback to
// exact-key lookup.
//
// The cache is a stateless coordinator over the entry store: every call
// re-reads from the store, so any number of instances across processes are
// safe as long as they share it.
package semcache

import (
	"context"

	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/embeddings"
	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
	"github.com/simweave/simweave/pkg/vector"
)

// DefaultThreshold is the minimum cosine similarity for a semantic hit.
// Empirically separates paraphrases of the same request from
// topically-different requests.
const DefaultThreshold = 0.80

// BrokenGate answers whether a prompt is currently blocklisted. Satisfied by
// repair.Tracker; the cache itself knows nothing about sessions or repair
// state beyond this yes/no question.
type BrokenGate interface {
	IsBroken(ctx context.Context, promptKey string, difficulty simulation.Difficulty) bool
}

// Cache is the semantic cache over verified simulation results.
type Cache struct {
	entries   store.EntryStore
	gate      BrokenGate
	embedder  embeddings.Embedder
	threshold float64
	logger    *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithThreshold overrides the similarity threshold for semantic hits.
func WithThreshold(threshold float64) Option {
	return func(c *Cache) { c.threshold = threshold }
}

// NewCache creates a semantic cache over the given entry store, broken gate,
// and embedder.
func NewCache(entries store.EntryStore, gate BrokenGate, embedder embeddings.Embedder, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:   entries,
		gate:      gate,
		embedder:  embedder,
		threshold: DefaultThreshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached sequence for a prompt similar to the given one,
// or a miss. A miss for any reason (broken marker, embedding failure, low
// similarity) is indistinguishable from a cold cache: the caller always falls
// through to generation.
//
// Candidates are scanned linearly in insertion order with a strictly-greater
// comparison, so the earliest-inserted candidate at a given score wins ties.
func (c *Cache) Lookup(ctx context.Context, prompt string, difficulty simulation.Difficulty) (*simulation.Sequence, bool) {
	promptKey := simulation.PromptKey(prompt)

	if c.gate.IsBroken(ctx, promptKey, difficulty) {
		c.logger.Info("cache lookup blocked by broken marker",
			zap.String("prompt_key", promptKey),
			zap.String("difficulty", string(difficulty)),
		)
		return nil, false
	}

	// Exact-key fast path before semantic search.
	if entry, err := c.entries.GetEntry(ctx, promptKey, difficulty); err == nil {
		if entry.IsFinalComplete && (entry.Status == store.StatusComplete || entry.Status == store.StatusVerified) {
			return c.hit(ctx, entry, "exact")
		}
	}

	queryEmbedding, err := c.embedder.Embed(ctx, simulation.Normalize(prompt))
	if err != nil {
		c.logger.Warn("embedding failed, treating lookup as miss",
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return nil, false
	}

	candidates, err := c.entries.Candidates(ctx, difficulty)
	if err != nil {
		c.logger.Warn("candidate query failed, treating lookup as miss",
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return nil, false
	}

	var (
		best      *store.CacheEntry
		bestScore float64
	)
	for _, candidate := range candidates {
		score := vector.Cosine(queryEmbedding, candidate.Embedding)
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}

	if best == nil || bestScore < c.threshold {
		c.logger.Debug("cache miss",
			zap.String("prompt_key", promptKey),
			zap.Float64("best_score", bestScore),
			zap.Int("candidates", len(candidates)),
		)
		return nil, false
	}

	c.logger.Debug("semantic hit",
		zap.String("prompt_key", promptKey),
		zap.String("matched_key", best.PromptKey),
		zap.Float64("score", bestScore),
	)

	return c.hit(ctx, best, "semantic")
}

// hit bumps access metrics on the winning entry and decodes its payload.
func (c *Cache) hit(ctx context.Context, entry *store.CacheEntry, kind string) (*simulation.Sequence, bool) {
	if err := c.entries.TouchEntry(ctx, entry.PromptKey, entry.Difficulty); err != nil {
		c.logger.Warn("failed to bump access metrics",
			zap.String("prompt_key", entry.PromptKey),
			zap.Error(err),
		)
	}

	seq, err := simulation.Unmarshal(entry.Payload)
	if err != nil {
		c.logger.Error("cached payload is corrupt, treating as miss",
			zap.String("prompt_key", entry.PromptKey),
			zap.Error(err),
		)
		return nil, false
	}

	c.logger.Info("cache hit",
		zap.String("kind", kind),
		zap.String("prompt_key", entry.PromptKey),
		zap.String("difficulty", string(entry.Difficulty)),
		zap.Int64("access_count", entry.AccessCount+1),
	)

	return seq, true
}

// Save persists a verified simulation for the prompt. It returns true iff a
// write occurred. Rejections (broken marker, empty sequence, not
// final-complete, unverified first write, embedding failure) are logged and
// return false without touching stored state.
func (c *Cache) Save(ctx context.Context, prompt string, difficulty simulation.Difficulty, seq *simulation.Sequence, isFinalComplete, clientVerified bool) bool {
	promptKey := simulation.PromptKey(prompt)

	if c.gate.IsBroken(ctx, promptKey, difficulty) {
		c.logger.Info("cache save refused: prompt marked broken",
			zap.String("prompt_key", promptKey),
			zap.String("difficulty", string(difficulty)),
		)
		return false
	}

	if seq.Len() == 0 {
		c.logger.Warn("cache save refused: empty sequence",
			zap.String("prompt_key", promptKey),
		)
		return false
	}

	if !isFinalComplete && !seq.FinalComplete() {
		c.logger.Warn("cache save refused: sequence not final-complete",
			zap.String("prompt_key", promptKey),
			zap.Int("steps", seq.Len()),
		)
		return false
	}

	if !clientVerified {
		// First establishment needs proof; refreshes of an established
		// entry are trusted.
		_, err := c.entries.GetEntry(ctx, promptKey, difficulty)
		if err != nil {
			if _, ok := err.(store.ErrNotFound); ok {
				c.logger.Warn("cache save refused: first write must be client-verified",
					zap.String("prompt_key", promptKey),
				)
			} else {
				c.logger.Warn("cache save refused: prior-entry check failed",
					zap.String("prompt_key", promptKey),
					zap.Error(err),
				)
			}
			return false
		}
	}

	embedding, err := c.embedder.Embed(ctx, simulation.Normalize(prompt))
	if err != nil {
		c.logger.Warn("cache save refused: embedding failed",
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return false
	}

	payload, err := seq.Marshal()
	if err != nil {
		c.logger.Error("cache save refused: payload marshal failed",
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return false
	}

	entry := &store.CacheEntry{
		PromptKey:       promptKey,
		Difficulty:      difficulty,
		Embedding:       embedding,
		Payload:         payload,
		Status:          store.StatusVerified,
		StepCount:       seq.Len(),
		IsFinalComplete: true,
		ClientVerified:  clientVerified,
	}

	if err := c.entries.UpsertEntry(ctx, entry); err != nil {
		c.logger.Error("cache save failed",
			zap.String("prompt_key", promptKey),
			zap.Error(err),
		)
		return false
	}

	c.logger.Info("cache entry saved",
		zap.String("prompt_key", promptKey),
		zap.String("difficulty", string(difficulty)),
		zap.Int("steps", seq.Len()),
		zap.Bool("client_verified", clientVerified),
	)

	return true
}

// Clear removes every cache entry. Admin operation; returns the number of
// entries removed.
func (c *Cache) Clear(ctx context.Context) int64 {
	removed, err := c.entries.ClearEntries(ctx)
	if err != nil {
		c.logger.Error("cache clear failed", zap.Error(err))
		return 0
	}

	c.logger.Info("cache cleared", zap.Int64("removed", removed))
	return removed
}
