// Package cli implements eventctl, the operator tool for the event ledger.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/eventledger/libs/config"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	Driver      string
	DatabaseURL string
	Format      string
	Ceiling     int
}

var (
	ValidFormats = []string{"text", "json"}
	ValidDrivers = []string{"sqlite", "postgres"}
)

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventctl",
		Short: "Operate the event ledger",
		Long: `eventctl inspects and repairs the event ledger: it lists outbox entries
that exhausted their retries, replays them, rebuilds the search index from
the primary store, applies the schema and mints operator tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if !slices.Contains(ValidDrivers, opts.Driver) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid driver %q: must be one of %v", opts.Driver, ValidDrivers))
			}
			if opts.DatabaseURL == "" {
				opts.DatabaseURL = defaultDatabaseURL(opts.Driver)
			}
			if opts.Ceiling <= 0 {
				return NewExitError(ExitCommandError, "--ceiling must be positive")
			}
			return nil
		},
	}

	ceiling, err := config.Int("RETRY_CEILING", outbox.DefaultCeiling)
	if err != nil {
		ceiling = outbox.DefaultCeiling
	}

	cmd.PersistentFlags().StringVar(&opts.Driver, "db-driver", config.String("STORE_DRIVER", "postgres"), "primary store driver (postgres|sqlite)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "postgres URL or sqlite file path (default from DATABASE_URL or SQLITE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().IntVar(&opts.Ceiling, "ceiling", ceiling, "attempt ceiling that marks an entry as exhausted")

	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func defaultDatabaseURL(driver string) string {
	if driver == "postgres" {
		return config.String("DATABASE_URL", "")
	}
	return config.String("SQLITE_PATH", "")
}
