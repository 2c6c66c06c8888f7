// Package statscmder provides the stats cobra command.
package statscmder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/simweave/simweave/cmd/simweave/internal/storeutil"
	"github.com/simweave/simweave/pkg/config"
	"github.com/simweave/simweave/pkg/logger"
)

type statsCommander struct {
	debug     bool
	configDir string
	v         *viper.Viper
}

const statsLongDesc string = `Print aggregate cache statistics as JSON: cached and verified entry counts,
broken markers, pending repairs, and the overall repair success rate.`

const statsShortDesc string = "Print cache statistics"

func NewStatsCmd() *cobra.Command {
	cmder := &statsCommander{}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: statsShortDesc,
		Long:  statsLongDesc,
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
			return err
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}

	return cmd
}

func (c *statsCommander) run() error {
	log := logger.NewLogger(c.debug)
	defer log.Sync()

	ctx := context.Background()

	storer, err := storeutil.Open(ctx, c.v, log)
	if err != nil {
		return err
	}
	defer storer.Close()

	stats, err := storer.Stats(ctx)
	if err != nil {
		return fmt.Errorf("computing stats: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
