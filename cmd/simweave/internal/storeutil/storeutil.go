// Package storeutil opens the configured storage backend for CLI commands.
package storeutil

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/store"
	"github.com/simweave/simweave/pkg/store/inmemory"
	"github.com/simweave/simweave/pkg/store/postgres"
	"github.com/simweave/simweave/pkg/store/sqlite"
)

// Open creates a store from the resolved viper configuration.
func Open(ctx context.Context, v *viper.Viper, logger *zap.Logger) (store.Store, error) {
	switch driver := v.GetString("storage.driver"); driver {
	case "sqlite":
		s, err := sqlite.New(v.GetString("storage.sqlite_path"), logger)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite store: %w", err)
		}
		return s, nil

	case "postgres":
		s, err := postgres.New(ctx, v.GetString("storage.postgres_dsn"), logger)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		return s, nil

	case "inmemory":
		return inmemory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}
