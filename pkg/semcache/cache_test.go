package semcache_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/semcache"
	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store/inmemory"
	testutils "github.com/simweave/simweave/pkg/utils/test"
)

func finalSequence(instruction string) *simulation.Sequence {
	return &simulation.Sequence{Steps: []simulation.Step{
		{Index: 0, Instruction: instruction, DiagramMarkup: "graph TD; A-->B"},
		{Index: 1, Instruction: "wrap up", DiagramMarkup: "graph TD; B-->C", IsFinal: true},
	}}
}

var _ = Describe("Cache", func() {
	var (
		ctx      context.Context
		s        *inmemory.Store
		gate     *testutils.MockGate
		embedder *testutils.MockEmbedder
		cache    *semcache.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = inmemory.New()
		gate = testutils.NewMockGate()
		embedder = testutils.NewMockEmbedder()
		cache = semcache.NewCache(s, gate, embedder, zap.NewNop())
	})

	Describe("Save then Lookup", func() {
		It("round-trips a verified sequence through the exact-key path", func() {
			seq := finalSequence("observe the heap")

			Expect(cache.Save(ctx, "How does a heap work?", simulation.DifficultyExplorer, seq, true, true)).To(BeTrue())

			got, hit := cache.Lookup(ctx, "How does a heap work?", simulation.DifficultyExplorer)
			Expect(hit).To(BeTrue())
			Expect(got).To(Equal(seq))
		})

		It("hits across whitespace and case variants of the same prompt", func() {
			seq := finalSequence("observe the heap")
			Expect(cache.Save(ctx, "How does a heap work?", simulation.DifficultyExplorer, seq, true, true)).To(BeTrue())

			_, hit := cache.Lookup(ctx, "  how   does a HEAP work?\n", simulation.DifficultyExplorer)
			Expect(hit).To(BeTrue())
		})

		It("misses on a cold cache", func() {
			_, hit := cache.Lookup(ctx, "anything at all", simulation.DifficultyExplorer)
			Expect(hit).To(BeFalse())
		})

		It("does not leak hits across difficulties", func() {
			seq := finalSequence("observe the heap")
			Expect(cache.Save(ctx, "How does a heap work?", simulation.DifficultyExplorer, seq, true, true)).To(BeTrue())

			_, hit := cache.Lookup(ctx, "How does a heap work?", simulation.DifficultyArchitect)
			Expect(hit).To(BeFalse())
		})

		It("bumps the access count on each hit", func() {
			seq := finalSequence("observe the heap")
			Expect(cache.Save(ctx, "How does a heap work?", simulation.DifficultyExplorer, seq, true, true)).To(BeTrue())

			for i := 0; i < 3; i++ {
				_, hit := cache.Lookup(ctx, "How does a heap work?", simulation.DifficultyExplorer)
				Expect(hit).To(BeTrue())
			}

			key := simulation.PromptKey("How does a heap work?")
			entry, err := s.GetEntry(ctx, key, simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.AccessCount).To(Equal(int64(3)))
		})
	})

	Describe("Semantic matching", func() {
		// Distinct prompts whose mock embeddings control similarity directly.
		const (
			savedPrompt = "how do cpus execute instructions"
			nearPrompt  = "explain cpu instruction execution"
			farPrompt   = "why is the sky blue"
		)

		BeforeEach(func() {
			embedder.Embeddings[savedPrompt] = []float32{1, 0, 0}
			embedder.Embeddings[nearPrompt] = []float32{0.95, 0.3122, 0} // cos ~0.95
			embedder.Embeddings[farPrompt] = []float32{0, 1, 0}          // cos 0

			Expect(cache.Save(ctx, savedPrompt, simulation.DifficultyEngineer, finalSequence("fetch-decode-execute"), true, true)).To(BeTrue())
		})

		It("hits a paraphrase above the threshold", func() {
			got, hit := cache.Lookup(ctx, nearPrompt, simulation.DifficultyEngineer)
			Expect(hit).To(BeTrue())
			Expect(got.Steps[0].Instruction).To(Equal("fetch-decode-execute"))
		})

		It("misses a dissimilar prompt", func() {
			_, hit := cache.Lookup(ctx, farPrompt, simulation.DifficultyEngineer)
			Expect(hit).To(BeFalse())
		})

		It("respects a raised threshold", func() {
			strict := semcache.NewCache(s, gate, embedder, zap.NewNop(),
				semcache.WithThreshold(0.99))

			_, hit := strict.Lookup(ctx, nearPrompt, simulation.DifficultyEngineer)
			Expect(hit).To(BeFalse())
		})

		It("prefers the earliest-inserted candidate on a tie", func() {
			twin := "describe how a cpu runs instructions"
			embedder.Embeddings[twin] = []float32{1, 0, 0}
			Expect(cache.Save(ctx, twin, simulation.DifficultyEngineer, finalSequence("twin"), true, true)).To(BeTrue())

			// Query embedding is equidistant from both candidates.
			got, hit := cache.Lookup(ctx, nearPrompt, simulation.DifficultyEngineer)
			Expect(hit).To(BeTrue())
			Expect(got.Steps[0].Instruction).To(Equal("fetch-decode-execute"))
		})

		It("treats an embedding failure as a plain miss", func() {
			embedder.FailOn = farPrompt

			_, hit := cache.Lookup(ctx, farPrompt, simulation.DifficultyEngineer)
			Expect(hit).To(BeFalse())
		})
	})

	Describe("Save gating", func() {
		It("rejects an empty sequence", func() {
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, &simulation.Sequence{}, true, true)).To(BeFalse())
		})

		It("rejects a sequence that never reached its final step", func() {
			partial := &simulation.Sequence{Steps: []simulation.Step{
				{Index: 0, Instruction: "start"},
			}}
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, partial, false, true)).To(BeFalse())
		})

		It("accepts a terminal sequence without the explicit completion flag", func() {
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, finalSequence("x"), false, true)).To(BeTrue())
		})

		It("rejects an unverified first write", func() {
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, finalSequence("x"), true, false)).To(BeFalse())

			_, hit := cache.Lookup(ctx, "prompt", simulation.DifficultyExplorer)
			Expect(hit).To(BeFalse())
		})

		It("accepts an unverified refresh of an established entry", func() {
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, finalSequence("v1"), true, true)).To(BeTrue())
			Expect(cache.Save(ctx, "prompt", simulation.DifficultyExplorer, finalSequence("v2"), true, false)).To(BeTrue())

			got, hit := cache.Lookup(ctx, "prompt", simulation.DifficultyExplorer)
			Expect(hit).To(BeTrue())
			Expect(got.Steps[0].Instruction).To(Equal("v2"))

			// The refresh must not downgrade the verified flag.
			key := simulation.PromptKey("prompt")
			entry, err := s.GetEntry(ctx, key, simulation.DifficultyExplorer)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ClientVerified).To(BeTrue())
		})

		It("rejects a save when embedding fails", func() {
			embedder.FailOn = simulation.Normalize("Broken embed prompt")
			Expect(cache.Save(ctx, "Broken embed prompt", simulation.DifficultyExplorer, finalSequence("x"), true, true)).To(BeFalse())
		})
	})

	Describe("Broken gate", func() {
		var key string

		BeforeEach(func() {
			key = simulation.PromptKey("flaky prompt")
			Expect(cache.Save(ctx, "flaky prompt", simulation.DifficultyExplorer, finalSequence("x"), true, true)).To(BeTrue())
			gate.Mark(key, simulation.DifficultyExplorer)
		})

		It("blocks lookups for a broken prompt even when an entry exists", func() {
			_, hit := cache.Lookup(ctx, "flaky prompt", simulation.DifficultyExplorer)
			Expect(hit).To(BeFalse())
		})

		It("blocks saves for a broken prompt", func() {
			Expect(cache.Save(ctx, "flaky prompt", simulation.DifficultyExplorer, finalSequence("y"), true, true)).To(BeFalse())
		})

		It("leaves other difficulties unaffected", func() {
			Expect(cache.Save(ctx, "flaky prompt", simulation.DifficultyEngineer, finalSequence("z"), true, true)).To(BeTrue())

			_, hit := cache.Lookup(ctx, "flaky prompt", simulation.DifficultyEngineer)
			Expect(hit).To(BeTrue())
		})
	})

	Describe("Clear", func() {
		It("removes all entries and reports the count", func() {
			Expect(cache.Save(ctx, "one", simulation.DifficultyExplorer, finalSequence("1"), true, true)).To(BeTrue())
			Expect(cache.Save(ctx, "two", simulation.DifficultyExplorer, finalSequence("2"), true, true)).To(BeTrue())

			Expect(cache.Clear(ctx)).To(Equal(int64(2)))

			_, hit := cache.Lookup(ctx, "one", simulation.DifficultyExplorer)
			Expect(hit).To(BeFalse())
		})
	})
})
