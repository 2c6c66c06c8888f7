package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/repair"
	"github.com/simweave/simweave/pkg/semcache"
	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store/inmemory"
	"github.com/simweave/simweave/pkg/telemetry"
	testutils "github.com/simweave/simweave/pkg/utils/test"
)

// completedSequence builds a two-step sequence whose last step is terminal.
func completedSequence(instruction string) *simulation.Sequence {
	return &simulation.Sequence{
		Steps: []simulation.Step{
			{Index: 0, Instruction: instruction, DiagramMarkup: "graph TD; A-->B"},
			{Index: 1, IsFinal: true, Instruction: "done", DiagramMarkup: "graph TD; B-->C"},
		},
	}
}

var _ = Describe("Server", func() {
	var (
		server   *Server
		mem      *inmemory.Store
		tracker  *repair.Tracker
		recorder *telemetry.Recorder
		embedder *testutils.MockEmbedder
	)

	BeforeEach(func() {
		var err error
		logger := zap.NewNop()
		mem = inmemory.New()
		tracker = repair.NewTracker(mem, logger)
		recorder, err = telemetry.NewRecorder(&telemetry.Config{
			Store:   mem,
			Entries: mem,
			Logger:  logger,
		})
		Expect(err).NotTo(HaveOccurred())
		embedder = testutils.NewMockEmbedder()
		cache := semcache.NewCache(mem, tracker, embedder, logger)
		server = NewServer(Config{ListenAddr: ":0"}, cache, tracker, recorder, logger)
	})

	AfterEach(func() {
		recorder.Close()
	})

	jsonRequest := func(method, target string, body any) *http.Request {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, target, &buf)
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	decodeBody := func(resp *http.Response, out any) {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(data, out)).To(Succeed())
	}

	saveVerified := func(prompt string, difficulty simulation.Difficulty) {
		resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/save", SaveRequest{
			Prompt:          prompt,
			Difficulty:      difficulty,
			Sequence:        completedSequence(prompt),
			IsFinalComplete: true,
			ClientVerified:  true,
		}))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var result map[string]bool
		decodeBody(resp, &result)
		Expect(result["saved"]).To(BeTrue())
	}

	Describe("GET /ping", func() {
		It("returns pong", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body string
			decodeBody(resp, &body)
			Expect(body).To(Equal("pong"))
		})
	})

	Describe("POST /cache/lookup", func() {
		It("rejects an unparseable body", func() {
			req := httptest.NewRequest(http.MethodPost, "/cache/lookup", bytes.NewBufferString("{not json"))
			req.Header.Set("Content-Type", "application/json")
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an empty prompt", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/lookup", LookupRequest{
				Difficulty: simulation.DifficultyExplorer,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an unknown difficulty", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/lookup", LookupRequest{
				Prompt:     "simulate a heap",
				Difficulty: "impossible",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("reports a miss for an unknown prompt", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/lookup", LookupRequest{
				Prompt:     "simulate a heap",
				Difficulty: simulation.DifficultyExplorer,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result LookupResponse
			decodeBody(resp, &result)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Sequence).To(BeNil())
		})

		It("returns the saved sequence on a hit", func() {
			saveVerified("Simulate a heap", simulation.DifficultyExplorer)

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/lookup", LookupRequest{
				Prompt:     "simulate a heap",
				Difficulty: simulation.DifficultyExplorer,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result LookupResponse
			decodeBody(resp, &result)
			Expect(result.Hit).To(BeTrue())
			Expect(result.Sequence).NotTo(BeNil())
			Expect(result.Sequence.Steps).To(HaveLen(2))
			Expect(result.Sequence.Steps[0].Instruction).To(Equal("Simulate a heap"))
		})
	})

	Describe("POST /cache/save", func() {
		It("reports saved=false for an unverified first write", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/save", SaveRequest{
				Prompt:          "simulate a queue",
				Difficulty:      simulation.DifficultyEngineer,
				Sequence:        completedSequence("simulate a queue"),
				IsFinalComplete: true,
				ClientVerified:  false,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result map[string]bool
			decodeBody(resp, &result)
			Expect(result["saved"]).To(BeFalse())
		})

		It("rejects a missing prompt", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/cache/save", SaveRequest{
				Difficulty: simulation.DifficultyEngineer,
				Sequence:   completedSequence("x"),
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("repair endpoints", func() {
		const (
			sessionID = "session-1"
			promptKey = "abc123"
		)

		It("accepts a pending mark and reports it via the query endpoint", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/pending", RepairRequest{
				SessionID: sessionID,
				PromptKey: promptKey,
				StepIndex: 2,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(httptest.NewRequest(http.MethodGet,
				"/repairs/pending?session_id="+sessionID+"&prompt_key="+promptKey, nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result map[string]bool
			decodeBody(resp, &result)
			Expect(result["pending"]).To(BeTrue())
		})

		It("rejects a pending mark without a session", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/pending", RepairRequest{
				PromptKey: promptKey,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects the pending query without a prompt key", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet,
				"/repairs/pending?session_id="+sessionID, nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("clears pending state when the repair is resolved", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/pending", RepairRequest{
				SessionID: sessionID,
				PromptKey: promptKey,
				StepIndex: 0,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/repairs/resolve", RepairRequest{
				SessionID: sessionID,
				PromptKey: promptKey,
				StepIndex: 0,
				Success:   true,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(httptest.NewRequest(http.MethodGet,
				"/repairs/pending?session_id="+sessionID+"&prompt_key="+promptKey, nil))
			Expect(err).NotTo(HaveOccurred())

			var result map[string]bool
			decodeBody(resp, &result)
			Expect(result["pending"]).To(BeFalse())
		})

		It("blocks cache lookups once a prompt is marked broken", func() {
			saveVerified("Simulate a stack", simulation.DifficultyArchitect)
			key := simulation.PromptKey("Simulate a stack")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/broken", BrokenRequest{
				SessionID:       sessionID,
				PromptKey:       key,
				Difficulty:      simulation.DifficultyArchitect,
				FailedStepIndex: 1,
				Reason:          "render failed",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/cache/lookup", LookupRequest{
				Prompt:     "Simulate a stack",
				Difficulty: simulation.DifficultyArchitect,
			}))
			Expect(err).NotTo(HaveOccurred())

			var result LookupResponse
			decodeBody(resp, &result)
			Expect(result.Hit).To(BeFalse())
		})

		It("rejects a broken mark with an unknown difficulty", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/broken", BrokenRequest{
				PromptKey:  promptKey,
				Difficulty: "impossible",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("clears a broken marker and reports whether one existed", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/broken", BrokenRequest{
				PromptKey:  promptKey,
				Difficulty: simulation.DifficultyExplorer,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			target := "/repairs/broken?prompt_key=" + promptKey + "&difficulty=explorer"
			resp, err = server.app.Test(httptest.NewRequest(http.MethodDelete, target, nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result map[string]bool
			decodeBody(resp, &result)
			Expect(result["cleared"]).To(BeTrue())

			resp, err = server.app.Test(httptest.NewRequest(http.MethodDelete, target, nil))
			Expect(err).NotTo(HaveOccurred())
			decodeBody(resp, &result)
			Expect(result["cleared"]).To(BeFalse())
		})

		It("accepts a prompt-scoped pending clear", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/prompt/clear", RepairRequest{
				SessionID: sessionID,
				PromptKey: promptKey,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})

		It("deletes all repair state for a session", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/repairs/pending", RepairRequest{
				SessionID: sessionID,
				PromptKey: promptKey,
				StepIndex: 3,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(httptest.NewRequest(http.MethodDelete,
				"/sessions/"+sessionID+"/repairs", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp, err = server.app.Test(httptest.NewRequest(http.MethodGet,
				"/repairs/pending?session_id="+sessionID+"&prompt_key="+promptKey, nil))
			Expect(err).NotTo(HaveOccurred())

			var result map[string]bool
			decodeBody(resp, &result)
			Expect(result["pending"]).To(BeFalse())
		})
	})

	Describe("telemetry endpoints", func() {
		It("accepts a repair attempt", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/telemetry/repair-attempt", RepairAttemptRequest{
				SessionID:  "session-1",
				PromptKey:  "abc123",
				StepIndex:  1,
				Tier:       2,
				Success:    true,
				DurationMs: 420,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})

		It("rejects a repair attempt without a prompt key", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/telemetry/repair-attempt", RepairAttemptRequest{
				SessionID: "session-1",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("accepts a thumbs-down rating", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/telemetry/feedback", FeedbackRequest{
				SessionID:  "session-1",
				PromptKey:  "abc123",
				Difficulty: simulation.DifficultyExplorer,
				Rating:     -1,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})

		It("rejects a rating outside the thumb scale", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/telemetry/feedback", FeedbackRequest{
				SessionID:  "session-1",
				PromptKey:  "abc123",
				Difficulty: simulation.DifficultyExplorer,
				Rating:     5,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("accepts a raw output record", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/telemetry/raw-output", RawOutputRequest{
				SessionID:    "session-1",
				PromptKey:    "abc123",
				ByteLength:   2048,
				NewlineCount: 12,
				Rendered:     true,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})
	})

	Describe("GET /stats", func() {
		It("counts saved entries", func() {
			saveVerified("Simulate merge sort", simulation.DifficultyEngineer)

			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var stats map[string]any
			decodeBody(resp, &stats)
			Expect(stats["cached_count"]).To(BeEquivalentTo(1))
			Expect(stats["verified_count"]).To(BeEquivalentTo(1))
		})
	})
})
