package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/simulation"
	"github.com/simweave/simweave/pkg/store"
)

// ErrorResponse is the JSON error body returned by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LookupRequest asks the cache for a simulation matching a prompt.
type LookupRequest struct {
	Prompt     string                `json:"prompt"`
	Difficulty simulation.Difficulty `json:"difficulty"`
}

// LookupResponse is the cache's answer: a sequence on hit, hit=false on miss.
type LookupResponse struct {
	Hit      bool                 `json:"hit"`
	Sequence *simulation.Sequence `json:"sequence,omitempty"`
}

// SaveRequest offers a completed simulation to the cache.
type SaveRequest struct {
	Prompt          string                `json:"prompt"`
	Difficulty      simulation.Difficulty `json:"difficulty"`
	Sequence        *simulation.Sequence  `json:"sequence"`
	IsFinalComplete bool                  `json:"is_final_complete"`
	ClientVerified  bool                  `json:"client_verified"`
}

// RepairRequest identifies one step-level repair within a session.
type RepairRequest struct {
	SessionID string `json:"session_id"`
	PromptKey string `json:"prompt_key"`
	StepIndex int    `json:"step_index"`
	Success   bool   `json:"success,omitempty"`
}

// BrokenRequest marks or clears a broken prompt.
type BrokenRequest struct {
	SessionID       string                `json:"session_id,omitempty"`
	PromptKey       string                `json:"prompt_key"`
	Difficulty      simulation.Difficulty `json:"difficulty"`
	FailedStepIndex int                   `json:"failed_step_index,omitempty"`
	Reason          string                `json:"reason,omitempty"`
}

// RepairAttemptRequest records one attempt at fixing a broken diagram.
type RepairAttemptRequest struct {
	SessionID  string `json:"session_id"`
	PromptKey  string `json:"prompt_key"`
	StepIndex  int    `json:"step_index"`
	Tier       int    `json:"tier"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// FeedbackRequest records one user rating.
type FeedbackRequest struct {
	SessionID  string                `json:"session_id"`
	PromptKey  string                `json:"prompt_key"`
	Difficulty simulation.Difficulty `json:"difficulty"`
	Rating     int                   `json:"rating"`
	Comment    string                `json:"comment,omitempty"`
}

// RawOutputRequest records the generator's raw output for offline analysis.
type RawOutputRequest struct {
	SessionID    string `json:"session_id"`
	PromptKey    string `json:"prompt_key"`
	ByteLength   int    `json:"byte_length"`
	NewlineCount int    `json:"newline_count"`
	Rendered     bool   `json:"rendered"`
	Raw          string `json:"raw,omitempty"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleCacheLookup resolves a prompt against the semantic cache.
func (s *Server) handleCacheLookup(c *fiber.Ctx) error {
	var req LookupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt required"})
	}
	if !req.Difficulty.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "unknown difficulty"})
	}

	seq, ok := s.cache.Lookup(c.Context(), req.Prompt, req.Difficulty)
	if !ok {
		return c.JSON(LookupResponse{Hit: false})
	}

	return c.JSON(LookupResponse{Hit: true, Sequence: seq})
}

// handleCacheSave offers a completed simulation to the cache. The cache
// decides whether to accept it; rejection is not an HTTP error.
func (s *Server) handleCacheSave(c *fiber.Ctx) error {
	var req SaveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt required"})
	}
	if !req.Difficulty.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "unknown difficulty"})
	}

	saved := s.cache.Save(c.Context(), req.Prompt, req.Difficulty, req.Sequence, req.IsFinalComplete, req.ClientVerified)

	return c.JSON(fiber.Map{"saved": saved})
}

// handleMarkPending opens a pending repair window for one step.
func (s *Server) handleMarkPending(c *fiber.Ctx) error {
	var req RepairRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.SessionID == "" || req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "session_id and prompt_key required"})
	}

	s.tracker.MarkPending(c.Context(), req.SessionID, req.PromptKey, req.StepIndex)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleHasPending reports whether any repair is still pending for a
// session/prompt pair.
func (s *Server) handleHasPending(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	promptKey := c.Query("prompt_key")
	if sessionID == "" || promptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "session_id and prompt_key required"})
	}

	pending := s.tracker.HasPending(c.Context(), sessionID, promptKey)

	return c.JSON(fiber.Map{"pending": pending})
}

// handleResolvePending closes one pending repair with its outcome.
func (s *Server) handleResolvePending(c *fiber.Ctx) error {
	var req RepairRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.SessionID == "" || req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "session_id and prompt_key required"})
	}

	s.tracker.MarkResolved(c.Context(), req.SessionID, req.PromptKey, req.StepIndex, req.Success)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleMarkBroken marks a prompt/difficulty pair as broken, failing any
// pending repairs for it.
func (s *Server) handleMarkBroken(c *fiber.Ctx) error {
	var req BrokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt_key required"})
	}
	if !req.Difficulty.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "unknown difficulty"})
	}

	s.tracker.MarkBroken(c.Context(), req.SessionID, req.PromptKey, req.Difficulty, req.FailedStepIndex, req.Reason)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleClearBroken lifts the broken marker for a prompt/difficulty pair.
func (s *Server) handleClearBroken(c *fiber.Ctx) error {
	promptKey := c.Query("prompt_key")
	difficulty := simulation.Difficulty(c.Query("difficulty"))
	if promptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt_key required"})
	}
	if !difficulty.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "unknown difficulty"})
	}

	cleared := s.tracker.ClearBroken(c.Context(), promptKey, difficulty)

	return c.JSON(fiber.Map{"cleared": cleared})
}

// handleClearPromptSession resolves every pending repair a session holds on
// one prompt, e.g. when the client regenerates from scratch.
func (s *Server) handleClearPromptSession(c *fiber.Ctx) error {
	var req RepairRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.SessionID == "" || req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "session_id and prompt_key required"})
	}

	s.tracker.ClearPromptSession(c.Context(), req.SessionID, req.PromptKey)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleClearSession hard-deletes all repair state for a session.
func (s *Server) handleClearSession(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "session id required"})
	}

	s.tracker.ClearSession(c.Context(), sessionID)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleRepairAttempt enqueues one repair attempt record.
func (s *Server) handleRepairAttempt(c *fiber.Ctx) error {
	var req RepairAttemptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt_key required"})
	}

	s.recorder.RecordRepairAttempt(&store.RepairAttempt{
		SessionID:  req.SessionID,
		PromptKey:  req.PromptKey,
		StepIndex:  req.StepIndex,
		Tier:       req.Tier,
		Success:    req.Success,
		DurationMs: req.DurationMs,
		Error:      req.Error,
	})

	return c.SendStatus(fiber.StatusAccepted)
}

// handleFeedback enqueues one user rating record.
func (s *Server) handleFeedback(c *fiber.Ctx) error {
	var req FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt_key required"})
	}
	if req.Rating != 1 && req.Rating != -1 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "rating must be +1 or -1"})
	}

	s.recorder.RecordFeedback(&store.Feedback{
		SessionID:  req.SessionID,
		PromptKey:  req.PromptKey,
		Difficulty: req.Difficulty,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})

	return c.SendStatus(fiber.StatusAccepted)
}

// handleRawOutput enqueues one raw generator output record.
func (s *Server) handleRawOutput(c *fiber.Ctx) error {
	var req RawOutputRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.PromptKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt_key required"})
	}

	s.recorder.RecordRawOutput(&store.RawOutput{
		SessionID:    req.SessionID,
		PromptKey:    req.PromptKey,
		ByteLength:   req.ByteLength,
		NewlineCount: req.NewlineCount,
		Rendered:     req.Rendered,
		Raw:          req.Raw,
	})

	return c.SendStatus(fiber.StatusAccepted)
}

// handleStats returns the aggregate cache statistics.
func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.recorder.Stats(c.Context())
	if err != nil {
		s.logger.Warn("failed computing stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to compute stats"})
	}

	return c.JSON(stats)
}
