// Package cachecmder provides cache management cobra commands.
package cachecmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/simweave/simweave/cmd/simweave/internal/storeutil"
	"github.com/simweave/simweave/pkg/config"
	"github.com/simweave/simweave/pkg/logger"
	"github.com/simweave/simweave/pkg/repair"
	"github.com/simweave/simweave/pkg/simulation"
)

const cacheLongDesc string = `Manage the semantic cache.

  simweave cache clear           Delete all cache entries
  simweave cache clear-broken    Lift the broken marker for a prompt`

const cacheShortDesc string = "Manage cache entries and broken markers"

func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: cacheShortDesc,
		Long:  cacheLongDesc,
	}

	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newClearBrokenCmd())

	return cmd
}

// initViper resolves the shared persistent flags and builds the viper config.
func initViper(cmd *cobra.Command) (*viper.Viper, bool, error) {
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return nil, false, fmt.Errorf("could not get debug flag: %v", err)
	}
	configDir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return nil, false, fmt.Errorf("could not get config-dir flag: %v", err)
	}

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, false, err
	}
	return v, debug, nil
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, debug, err := initViper(cmd)
			if err != nil {
				return err
			}

			log := logger.NewLogger(debug)
			defer log.Sync()

			ctx := context.Background()
			storer, err := storeutil.Open(ctx, v, log)
			if err != nil {
				return err
			}
			defer storer.Close()

			n, err := storer.ClearEntries(ctx)
			if err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cache entries\n", n)
			return nil
		},
	}
}

func newClearBrokenCmd() *cobra.Command {
	var (
		promptKey  string
		difficulty string
	)

	cmd := &cobra.Command{
		Use:   "clear-broken",
		Short: "Lift the broken marker for a prompt/difficulty pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := simulation.Difficulty(difficulty)
			if !d.Valid() {
				return fmt.Errorf("unknown difficulty: %q", difficulty)
			}
			if promptKey == "" {
				return fmt.Errorf("--prompt-key is required")
			}

			v, debug, err := initViper(cmd)
			if err != nil {
				return err
			}

			log := logger.NewLogger(debug)
			defer log.Sync()

			ctx := context.Background()
			storer, err := storeutil.Open(ctx, v, log)
			if err != nil {
				return err
			}
			defer storer.Close()

			tracker := repair.NewTracker(storer, log)
			if tracker.ClearBroken(ctx, promptKey, d) {
				fmt.Fprintln(cmd.OutOrStdout(), "broken marker cleared")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no broken marker found")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&promptKey, "prompt-key", "", "Prompt key (sha256 of the normalized prompt)")
	cmd.Flags().StringVar(&difficulty, "difficulty", "", "Difficulty tier (explorer, engineer, architect)")

	return cmd
}
