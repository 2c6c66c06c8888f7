// Package servecmder provides the serve command for running the simweave API server.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/simweave/simweave/api"
	"github.com/simweave/simweave/cmd/simweave/internal/storeutil"
	"github.com/simweave/simweave/pkg/config"
	"github.com/simweave/simweave/pkg/embeddings"
	embeddingutils "github.com/simweave/simweave/pkg/embeddings/utils"
	"github.com/simweave/simweave/pkg/eventstream"
	kafkastream "github.com/simweave/simweave/pkg/eventstream/kafka"
	"github.com/simweave/simweave/pkg/eventstream/nop"
	"github.com/simweave/simweave/pkg/logger"
	"github.com/simweave/simweave/pkg/repair"
	"github.com/simweave/simweave/pkg/semcache"
	"github.com/simweave/simweave/pkg/store"
	"github.com/simweave/simweave/pkg/telemetry"
)

type ServeCommander struct {
	listen        string
	storageDriver string
	sqlitePath    string
	postgresDSN   string
	threshold     float64
	debug         bool
	configDir     string
	logger        *zap.Logger
	v             *viper.Viper
}

const serveLongDesc string = `Run the Simweave API server.

Serves the semantic cache, repair coordination, and telemetry endpoints on a
single listen address. Storage, embedding, and stream backends are selected
via config.toml, SIMWEAVE_* environment variables, or flags.`

const serveShortDesc string = "Run the Simweave API server"

// serveFlags is the flag registry for the serve command.
var serveFlags = config.FlagSet{
	config.FlagAPIListen: {
		Name: "listen", Shorthand: "l", ViperKey: "api.listen",
		Description: "Address for the API server to listen on",
	},
	config.FlagStorageDriver: {
		Name: "storage-driver", ViperKey: "storage.driver",
		Description: "Storage backend (sqlite, postgres, inmemory)",
	},
	config.FlagSQLite: {
		Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path",
		Description: "Path to the SQLite database file",
	},
	config.FlagPostgresDSN: {
		Name: "postgres-dsn", ViperKey: "storage.postgres_dsn",
		Description: "Postgres connection string",
	},
	config.FlagThreshold: {
		Name: "threshold", ViperKey: "cache.threshold",
		Description: "Minimum cosine similarity for a semantic cache hit",
	},
}

var serveFlagKeys = []string{
	config.FlagAPIListen,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagThreshold,
}

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %v", err)
			}

			cmder.v, err = config.InitViper(cmder.configDir)
			if err != nil {
				return err
			}

			config.BindRegisteredFlags(cmder.v, cmd, serveFlags, serveFlagKeys)
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, serveFlags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, serveFlags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, serveFlags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, serveFlags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddFloat64Flag(cmd, serveFlags, config.FlagThreshold, &cmder.threshold)

	return cmd
}

func (c *ServeCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	ctx := context.Background()

	storer, err := c.newStore(ctx)
	if err != nil {
		return err
	}
	defer storer.Close()

	embedder, err := c.newEmbedder()
	if err != nil {
		return err
	}
	defer embedder.Close()

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}

	tracker := repair.NewTracker(storer, c.logger,
		repair.WithPendingTimeout(time.Duration(c.v.GetUint("repair.pending_timeout_minutes"))*time.Minute),
		repair.WithBrokenTTL(time.Duration(c.v.GetUint("repair.broken_ttl_hours"))*time.Hour),
	)

	sweeper := repair.NewSweeper(tracker,
		time.Duration(c.v.GetUint("repair.sweep_interval_minutes"))*time.Minute,
		c.logger,
	)
	sweeper.Start()
	defer sweeper.Close()

	recorder, err := telemetry.NewRecorder(&telemetry.Config{
		Store:      storer,
		Entries:    storer,
		Publisher:  publisher,
		NumWorkers: c.v.GetUint("telemetry.workers"),
		QueueSize:  c.v.GetUint("telemetry.queue_size"),
		Logger:     c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating telemetry recorder: %w", err)
	}
	defer recorder.Close()

	cache := semcache.NewCache(storer, tracker, embedder, c.logger,
		semcache.WithThreshold(c.v.GetFloat64("cache.threshold")),
	)

	apiConfig := api.Config{
		ListenAddr: c.v.GetString("api.listen"),
	}
	server := api.NewServer(apiConfig, cache, tracker, recorder, c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return server.Shutdown()
	}
}

func (c *ServeCommander) newStore(ctx context.Context) (store.Store, error) {
	s, err := storeutil.Open(ctx, c.v, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("storage ready",
		zap.String("driver", c.v.GetString("storage.driver")),
	)
	return s, nil
}

func (c *ServeCommander) newEmbedder() (embeddings.Embedder, error) {
	return embeddingutils.NewEmbedder(&embeddingutils.NewEmbedderOpts{
		ProviderType: c.v.GetString("embedding.provider"),
		TargetURL:    c.v.GetString("embedding.target"),
		Model:        c.v.GetString("embedding.model"),
		APIKey:       os.Getenv("OPENAI_API_KEY"),
	})
}

func (c *ServeCommander) newPublisher() (eventstream.Publisher, error) {
	switch c.v.GetString("eventstream.provider") {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		return kafkastream.NewPublisher(kafkastream.Config{
			Brokers: c.v.GetStringSlice("eventstream.brokers"),
			Topic:   c.v.GetString("eventstream.topic"),
		}, c.logger)
	default:
		return nil, fmt.Errorf("unsupported eventstream provider: %q", c.v.GetString("eventstream.provider"))
	}
}
