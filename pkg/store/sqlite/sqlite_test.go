package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
	"github.com/simweave/simweave/pkg/store/sqlite"
)

// sqliteTestEntry creates a cacheable entry for testing with the given key
func sqliteTestEntry(promptKey string, difficulty simulation.Difficulty) *store.CacheEntry {
	return &store.CacheEntry{
		PromptKey:       promptKey,
		Difficulty:      difficulty,
		Embedding:       []float32{0.1, 0.2, 0.3},
		Payload:         []byte(`{"steps":[{"index":0,"is_final":true,"instruction":"x","diagram_markup":"g"}]}`),
		Status:          store.StatusVerified,
		StepCount:       1,
		IsFinalComplete: true,
		ClientVerified:  true,
	}
}

var _ = Describe("SQLite Store", func() {
	var (
		s   *sqlite.Store
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		s, err = sqlite.New(":memory:", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if s != nil {
			s.Close()
		}
	})

	Describe("New", func() {
		It("creates a store with a file database", func() {
			tmpDir := GinkgoT().TempDir()
			dbPath := filepath.Join(tmpDir, "test.db")

			fileStore, err := sqlite.New(dbPath, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			defer fileStore.Close()

			_, err = os.Stat(dbPath)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects an empty path", func() {
			_, err := sqlite.New("", zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("migrates idempotently across reopens", func() {
			tmpDir := GinkgoT().TempDir()
			dbPath := filepath.Join(tmpDir, "test.db")

			first, err := sqlite.New(dbPath, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			Expect(first.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())
			Expect(first.Close()).To(Succeed())

			second, err := sqlite.New(dbPath, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()

			got, err := second.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ClientVerified).To(BeTrue())
		})
	})

	Describe("UpsertEntry and GetEntry", func() {
		It("stores and retrieves an entry with its embedding", func() {
			entry := sqliteTestEntry("k1", simulation.DifficultyExplorer)
			Expect(s.UpsertEntry(ctx, entry)).To(Succeed())

			got, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PromptKey).To(Equal("k1"))
			Expect(got.Difficulty).To(Equal(simulation.DifficultyExplorer))
			Expect(got.Embedding).To(Equal(entry.Embedding))
			Expect(got.Payload).To(Equal(entry.Payload))
			Expect(got.Status).To(Equal(store.StatusVerified))
			Expect(got.IsFinalComplete).To(BeTrue())
			Expect(got.ClientVerified).To(BeTrue())
			Expect(got.CreatedAt).NotTo(BeZero())
		})

		It("returns ErrNotFound for a missing key", func() {
			_, err := s.GetEntry(ctx, "absent", simulation.DifficultyExplorer)
			Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))
		})

		It("keeps the same prompt at different difficulties in separate slots", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyArchitect))).To(Succeed())

			_, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.GetEntry(ctx, "k1", simulation.DifficultyArchitect)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.GetEntry(ctx, "k1", simulation.DifficultyEngineer)
			Expect(err).To(HaveOccurred())
		})

		It("replaces the payload on refresh without duplicating the row", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())

			refresh := sqliteTestEntry("k1", simulation.DifficultyExplorer)
			refresh.Payload = []byte(`{"steps":[{"index":0,"is_final":true,"instruction":"y","diagram_markup":"h"}]}`)
			Expect(s.UpsertEntry(ctx, refresh)).To(Succeed())

			candidates, err := s.Candidates(ctx, simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].Payload).To(Equal(refresh.Payload))
		})

		It("never downgrades client_verified on refresh", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())

			refresh := sqliteTestEntry("k1", simulation.DifficultyExplorer)
			refresh.ClientVerified = false
			Expect(s.UpsertEntry(ctx, refresh)).To(Succeed())

			got, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ClientVerified).To(BeTrue())
		})

		It("upgrades client_verified when a verified refresh arrives", func() {
			first := sqliteTestEntry("k1", simulation.DifficultyExplorer)
			first.ClientVerified = false
			Expect(s.UpsertEntry(ctx, first)).To(Succeed())

			refresh := sqliteTestEntry("k1", simulation.DifficultyExplorer)
			Expect(s.UpsertEntry(ctx, refresh)).To(Succeed())

			got, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ClientVerified).To(BeTrue())
		})

		It("preserves created_at and access_count across refreshes", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())
			Expect(s.TouchEntry(ctx, "k1", simulation.DifficultyExplorer)).To(Succeed())

			before, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(before.AccessCount).To(Equal(int64(1)))

			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())

			after, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.CreatedAt).To(Equal(before.CreatedAt))
			Expect(after.AccessCount).To(Equal(int64(1)))
		})
	})

	Describe("Candidates", func() {
		It("returns matching entries in insertion order", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("first", simulation.DifficultyExplorer))).To(Succeed())
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("second", simulation.DifficultyExplorer))).To(Succeed())
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("third", simulation.DifficultyExplorer))).To(Succeed())

			candidates, err := s.Candidates(ctx, simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(HaveLen(3))
			Expect(candidates[0].PromptKey).To(Equal("first"))
			Expect(candidates[1].PromptKey).To(Equal("second"))
			Expect(candidates[2].PromptKey).To(Equal("third"))
		})

		It("excludes other difficulties, missing embeddings, and partial entries", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("ok", simulation.DifficultyExplorer))).To(Succeed())

			other := sqliteTestEntry("other", simulation.DifficultyEngineer)
			Expect(s.UpsertEntry(ctx, other)).To(Succeed())

			noEmbedding := sqliteTestEntry("no-embedding", simulation.DifficultyExplorer)
			noEmbedding.Embedding = nil
			Expect(s.UpsertEntry(ctx, noEmbedding)).To(Succeed())

			partial := sqliteTestEntry("partial", simulation.DifficultyExplorer)
			partial.IsFinalComplete = false
			Expect(s.UpsertEntry(ctx, partial)).To(Succeed())

			candidates, err := s.Candidates(ctx, simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].PromptKey).To(Equal("ok"))
		})
	})

	Describe("RefreshRating", func() {
		It("recomputes avg_rating from feedback rows", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())

			Expect(s.AppendFeedback(ctx, &store.Feedback{
				PromptKey: "k1", Difficulty: simulation.DifficultyExplorer, Rating: 1,
			})).To(Succeed())
			Expect(s.AppendFeedback(ctx, &store.Feedback{
				PromptKey: "k1", Difficulty: simulation.DifficultyExplorer, Rating: -1,
			})).To(Succeed())

			Expect(s.RefreshRating(ctx, "k1", simulation.DifficultyExplorer)).To(Succeed())

			got, err := s.GetEntry(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.AvgRating).NotTo(BeNil())
			Expect(*got.AvgRating).To(BeNumerically("~", 0.0, 1e-9))
		})
	})

	Describe("Pending repairs", func() {
		It("re-opens a resolved row on a fresh upsert", func() {
			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())
			Expect(s.ResolvePending(ctx, "sess", "k1", 0, store.RepairResolved)).To(Succeed())

			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())

			pr, err := s.GetPending(ctx, "sess", "k1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pr.Status).To(Equal(store.RepairPending))
			Expect(pr.ResolvedAt).To(BeNil())
		})

		It("counts only pending rows", func() {
			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())
			Expect(s.UpsertPending(ctx, "sess", "k1", 1)).To(Succeed())
			Expect(s.ResolvePending(ctx, "sess", "k1", 1, store.RepairFailed)).To(Succeed())

			count, err := s.PendingCount(ctx, "sess", "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(1)))
		})

		It("bulk-resolves pending rows and reports the count", func() {
			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())
			Expect(s.UpsertPending(ctx, "sess", "k1", 1)).To(Succeed())

			changed, err := s.ResolveAllPending(ctx, "sess", "k1", store.RepairResolved)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(Equal(int64(2)))

			count, err := s.PendingCount(ctx, "sess", "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
		})

		It("times out rows created before the cutoff", func() {
			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())

			changed, err := s.TimeoutStalePending(ctx, time.Now().Add(time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(Equal(int64(1)))

			pr, err := s.GetPending(ctx, "sess", "k1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pr.Status).To(Equal(store.RepairTimeout))
		})

		It("leaves fresh rows alone when timing out", func() {
			Expect(s.UpsertPending(ctx, "sess", "k1", 0)).To(Succeed())

			changed, err := s.TimeoutStalePending(ctx, time.Now().Add(-15*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeZero())
		})
	})

	Describe("Broken markers", func() {
		It("last-writer-wins on re-mark", func() {
			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "k1", Difficulty: simulation.DifficultyExplorer,
				SessionID: "a", FailureReason: "first",
			})).To(Succeed())
			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "k1", Difficulty: simulation.DifficultyExplorer,
				SessionID: "b", FailureReason: "second",
			})).To(Succeed())

			m, err := s.GetBroken(ctx, "k1", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.SessionID).To(Equal("b"))
			Expect(m.FailureReason).To(Equal("second"))
		})

		It("scopes markers by difficulty", func() {
			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "k1", Difficulty: simulation.DifficultyExplorer,
			})).To(Succeed())

			_, err := s.GetBroken(ctx, "k1", simulation.DifficultyArchitect)
			Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))
		})

		It("deletes expired markers only", func() {
			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "old", Difficulty: simulation.DifficultyExplorer,
				CreatedAt: time.Now().Add(-48 * time.Hour),
			})).To(Succeed())
			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "fresh", Difficulty: simulation.DifficultyExplorer,
			})).To(Succeed())

			deleted, err := s.DeleteExpiredBroken(ctx, time.Now().Add(-24*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(int64(1)))

			_, err = s.GetBroken(ctx, "old", simulation.DifficultyExplorer)
			Expect(err).To(HaveOccurred())
			_, err = s.GetBroken(ctx, "fresh", simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Telemetry", func() {
		It("bumps the daily rollup alongside each attempt", func() {
			now := time.Now().UTC()
			day := now.Format("2006-01-02")

			Expect(s.AppendRepairAttempt(ctx, &store.RepairAttempt{
				SessionID: "sess", PromptKey: "k1", Tier: 1, Success: true, CreatedAt: now,
			})).To(Succeed())
			Expect(s.AppendRepairAttempt(ctx, &store.RepairAttempt{
				SessionID: "sess", PromptKey: "k1", Tier: 1, Success: false, CreatedAt: now,
			})).To(Succeed())
			Expect(s.AppendRepairAttempt(ctx, &store.RepairAttempt{
				SessionID: "sess", PromptKey: "k1", Tier: 3, Success: true, CreatedAt: now,
			})).To(Succeed())

			rollups, err := s.TierRollups(ctx, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(rollups).To(HaveLen(2))
			Expect(rollups[0].Tier).To(Equal(1))
			Expect(rollups[0].Attempts).To(Equal(int64(2)))
			Expect(rollups[0].Successes).To(Equal(int64(1)))
			Expect(rollups[1].Tier).To(Equal(3))
			Expect(rollups[1].Attempts).To(Equal(int64(1)))
			Expect(rollups[1].Successes).To(Equal(int64(1)))
		})

		It("computes aggregate stats", func() {
			Expect(s.UpsertEntry(ctx, sqliteTestEntry("k1", simulation.DifficultyExplorer))).To(Succeed())

			unverified := sqliteTestEntry("k2", simulation.DifficultyExplorer)
			unverified.ClientVerified = false
			Expect(s.UpsertEntry(ctx, unverified)).To(Succeed())

			Expect(s.UpsertBroken(ctx, &store.BrokenMarker{
				PromptHash: "k3", Difficulty: simulation.DifficultyEngineer,
			})).To(Succeed())
			Expect(s.UpsertPending(ctx, "sess", "k4", 0)).To(Succeed())
			Expect(s.AppendRepairAttempt(ctx, &store.RepairAttempt{PromptKey: "k4", Tier: 1, Success: true})).To(Succeed())
			Expect(s.AppendRepairAttempt(ctx, &store.RepairAttempt{PromptKey: "k4", Tier: 2, Success: true})).To(Succeed())

			stats, err := s.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CachedCount).To(Equal(int64(2)))
			Expect(stats.VerifiedCount).To(Equal(int64(1)))
			Expect(stats.BrokenCount).To(Equal(int64(1)))
			Expect(stats.PendingRepairCount).To(Equal(int64(1)))
			Expect(stats.RepairSuccessRate).To(BeNumerically("~", 1.0, 1e-9))
		})
	})
})
