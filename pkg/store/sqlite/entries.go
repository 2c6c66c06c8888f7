package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
	"github.com/simweave/simweave/pkg/vector"
)

// UpsertEntry inserts or updates a cache entry in a single statement so two
// concurrent first-verified saves for the same key cannot lose updates.
// On conflict, created_at, last_accessed_at, access_count, and avg_rating are
// preserved; client_verified only ever upgrades.
func (s *Store) UpsertEntry(ctx context.Context, e *store.CacheEntry) error {
	now := time.Now().UTC()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var embedding []byte
	if e.Embedding != nil {
		embedding = vector.Encode(e.Embedding)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (
			prompt_key, difficulty, embedding, payload, status,
			step_count, is_final_complete, client_verified,
			created_at, last_accessed_at, access_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(prompt_key, difficulty) DO UPDATE SET
			embedding = excluded.embedding,
			payload = excluded.payload,
			status = excluded.status,
			step_count = excluded.step_count,
			is_final_complete = excluded.is_final_complete,
			client_verified = MAX(cache_entries.client_verified, excluded.client_verified)
	`,
		e.PromptKey, string(e.Difficulty), embedding, string(e.Payload), e.Status,
		e.StepCount, e.IsFinalComplete, e.ClientVerified,
		createdAt.Unix(), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}

	return nil
}

const entryColumns = `
	prompt_key, difficulty, embedding, payload, status,
	step_count, is_final_complete, client_verified,
	created_at, last_accessed_at, access_count, avg_rating
`

// GetEntry retrieves an entry by its key.
func (s *Store) GetEntry(ctx context.Context, promptKey string, difficulty simulation.Difficulty) (*store.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		WHERE prompt_key = ? AND difficulty = ?
	`, promptKey, string(difficulty))

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Key: promptKey}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cache entry: %w", err)
	}

	return entry, nil
}

// Candidates returns all final-complete entries of the given difficulty with
// a stored embedding, in insertion order (ascending rowid). The order is an
// observable property: the semantic cache keeps the first candidate at a
// given similarity score.
func (s *Store) Candidates(ctx context.Context, difficulty simulation.Difficulty) ([]*store.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM cache_entries
		WHERE difficulty = ?
			AND status IN ('complete', 'verified')
			AND is_final_complete = 1
			AND embedding IS NOT NULL
		ORDER BY id ASC
	`, string(difficulty))
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var entries []*store.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}

	return entries, nil
}

// TouchEntry bumps access metrics on a cache hit.
func (s *Store) TouchEntry(ctx context.Context, promptKey string, difficulty simulation.Difficulty) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE prompt_key = ? AND difficulty = ?
	`, time.Now().UTC().Unix(), promptKey, string(difficulty))
	if err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}
	return nil
}

// RefreshRating recomputes avg_rating from the feedback records for the key.
func (s *Store) RefreshRating(ctx context.Context, promptKey string, difficulty simulation.Difficulty) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET avg_rating = (
			SELECT AVG(rating) FROM feedback
			WHERE prompt_key = ? AND difficulty = ?
		)
		WHERE prompt_key = ? AND difficulty = ?
	`, promptKey, string(difficulty), promptKey, string(difficulty))
	if err != nil {
		return fmt.Errorf("refreshing rating: %w", err)
	}
	return nil
}

// ClearEntries removes all cache entries.
func (s *Store) ClearEntries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("clearing cache entries: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*store.CacheEntry, error) {
	var (
		entry          store.CacheEntry
		difficulty     string
		embedding      []byte
		payload        string
		isFinal        int64
		clientVerified int64
		createdAt      int64
		lastAccessedAt int64
		avgRating      sql.NullFloat64
	)

	err := row.Scan(
		&entry.PromptKey, &difficulty, &embedding, &payload, &entry.Status,
		&entry.StepCount, &isFinal, &clientVerified,
		&createdAt, &lastAccessedAt, &entry.AccessCount, &avgRating,
	)
	if err != nil {
		return nil, err
	}

	entry.Difficulty = simulation.Difficulty(difficulty)
	entry.Payload = []byte(payload)
	entry.IsFinalComplete = isFinal != 0
	entry.ClientVerified = clientVerified != 0
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	entry.LastAccessedAt = time.Unix(lastAccessedAt, 0).UTC()

	if avgRating.Valid {
		entry.AvgRating = &avgRating.Float64
	}

	if len(embedding) > 0 {
		emb, err := vector.Decode(embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding: %w", err)
		}
		entry.Embedding = emb
	}

	return &entry, nil
}
