package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/repair"
	"github.com/simweave/simweave/pkg/semcache"
	"github.com/simweave/simweave/pkg/telemetry"
)

// Server is the API server for the simweave caching and repair subsystem
type Server struct {
	config   Config
	cache    *semcache.Cache
	tracker  *repair.Tracker
	recorder *telemetry.Recorder
	logger   *zap.Logger
	app      *fiber.App
}

// NewServer creates a new API server.
// The cache, tracker, and recorder are injected to allow sharing with other
// components and to keep the handlers free of construction concerns.
func NewServer(config Config, cache *semcache.Cache, tracker *repair.Tracker, recorder *telemetry.Recorder, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:   config,
		cache:    cache,
		tracker:  tracker,
		recorder: recorder,
		logger:   logger,
		app:      app,
	}

	app.Get("/ping", s.handlePing)

	app.Post("/cache/lookup", s.handleCacheLookup)
	app.Post("/cache/save", s.handleCacheSave)

	app.Post("/repairs/pending", s.handleMarkPending)
	app.Get("/repairs/pending", s.handleHasPending)
	app.Post("/repairs/resolve", s.handleResolvePending)
	app.Post("/repairs/broken", s.handleMarkBroken)
	app.Delete("/repairs/broken", s.handleClearBroken)
	app.Post("/repairs/prompt/clear", s.handleClearPromptSession)
	app.Delete("/sessions/:id/repairs", s.handleClearSession)

	app.Post("/telemetry/repair-attempt", s.handleRepairAttempt)
	app.Post("/telemetry/feedback", s.handleFeedback)
	app.Post("/telemetry/raw-output", s.handleRawOutput)

	app.Get("/stats", s.handleStats)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
