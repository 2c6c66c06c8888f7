// Package simweavecmder
package simweavecmder

import (
	"github.com/spf13/cobra"

	cachecmder "github.com/simweave/simweave/cmd/simweave/cache"
	configcmder "github.com/simweave/simweave/cmd/simweave/config"
	servecmder "github.com/simweave/simweave/cmd/simweave/serve"
	statscmder "github.com/simweave/simweave/cmd/simweave/stats"
)

const simweaveLongDesc string = `Simweave is the semantic caching and repair coordination service for
LLM-generated simulations.

Run services using:
  simweave serve       Run the API server
  simweave stats       Print cache statistics
  simweave cache       Manage cache entries and broken markers
  simweave config      Get and set configuration values`

const simweaveShortDesc string = "Simweave - Simulation Cache and Repair"

func NewSimweaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simweave",
		Short: simweaveShortDesc,
		Long:  simweaveLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config-dir", "c", "", "Directory containing config.toml (default: working directory)")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(statscmder.NewStatsCmd())
	cmd.AddCommand(cachecmder.NewCacheCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())

	return cmd
}
