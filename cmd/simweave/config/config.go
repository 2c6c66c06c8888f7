// Package configcmder provides the config command for managing persistent
// simweave configuration stored as config.toml.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent simweave configuration.

Configuration is stored as config.toml and provides default values for
command flags. CLI flags and SIMWEAVE_* environment variables always take
precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  api.listen, cache.threshold,
  embedding.provider, embedding.target, embedding.model, embedding.dimensions,
  repair.pending_timeout_minutes, repair.broken_ttl_hours,
  eventstream.provider, eventstream.topic

Use subcommands to get, set, or list configuration values:
  simweave config set <key> <value>    Set a configuration value
  simweave config get <key>            Get a configuration value
  simweave config list                 List all configuration values

Examples:
  simweave config set cache.threshold 0.85
  simweave config set embedding.model nomic-embed-text
  simweave config get storage.driver
  simweave config list`

const configShortDesc string = "Manage persistent simweave configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
