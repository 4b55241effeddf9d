package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/eventledger/libs/config"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/publisher"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
)

type reindexOptions struct {
	ElasticURL string
	Index      string
	Refresh    string
	Since      string
	Limit      int
	BatchSize  int
}

func NewReindexCommand(opts *RootOptions) *cobra.Command {
	ro := &reindexOptions{}
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Copy committed events from the primary store into the search index",
		Long: `reindex pages through committed events oldest first and upserts them into
the search index. Outbox state is not touched, so it is safe to run while the
publisher is active.`,
		Example: `  eventctl reindex --database-url ./events.db --elastic-url http://localhost:9200
  eventctl reindex --since 2026-03-01T00:00:00Z --limit 10000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var since time.Time
			if ro.Since != "" {
				t, err := time.Parse(time.RFC3339Nano, ro.Since)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --since", err)
				}
				since = t
			}
			if ro.ElasticURL == "" {
				return NewExitError(ExitCommandError, "--elastic-url is required")
			}
			index, err := search.NewElastic(search.ElasticConfig{URL: ro.ElasticURL, Index: ro.Index, Refresh: ro.Refresh})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create index client", err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			res, err := publisher.NewReindexer(st, index, logger, ro.BatchSize).Run(ctx, since, ro.Limit)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("reindex stopped after %d events", res.Scanned), err)
			}
			return render(cmd, opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned %d, indexed %d, failed %d\n", res.Scanned, res.Indexed, res.Failed)
			})
		},
	}
	cmd.Flags().StringVar(&ro.ElasticURL, "elastic-url", config.String("ELASTIC_URL", ""), "Elasticsearch URL")
	cmd.Flags().StringVar(&ro.Index, "index", config.String("ELASTIC_INDEX", "events"), "index name")
	cmd.Flags().StringVar(&ro.Refresh, "refresh", config.String("ELASTIC_REFRESH", ""), "refresh policy for bulk writes (true|false|wait_for)")
	cmd.Flags().StringVar(&ro.Since, "since", "", "only events received at or after this RFC 3339 time")
	cmd.Flags().IntVar(&ro.Limit, "limit", 0, "stop after this many events (0 means all)")
	cmd.Flags().IntVar(&ro.BatchSize, "batch-size", 500, "events per bulk request")
	return cmd
}

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the primary store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate(cmd.Context(), opts); err != nil {
				return err
			}
			return render(cmd, opts, map[string]string{"driver": opts.Driver, "schema": "up to date"}, func(w io.Writer) {
				fmt.Fprintf(w, "Schema up to date (%s)\n", opts.Driver)
			})
		},
	}
}
