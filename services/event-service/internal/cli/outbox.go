package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

func NewFailedCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List outbox entries that exhausted their retries",
		Example: `  eventctl failed --database-url ./events.db
  eventctl failed --db-driver postgres --format json --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListExhausted(ctx, opts.Ceiling, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list exhausted entries", err)
			}
			if entries == nil {
				entries = []outbox.Entry{}
			}
			return render(cmd, opts, entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No exhausted entries.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EVENT ID\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.EventID, e.Attempts, e.UpdatedAt.Format(time.RFC3339), e.LastError)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")
	return cmd
}

type showResult struct {
	Event event.Record  `json:"event"`
	Entry *outbox.Entry `json:"outbox,omitempty"`
}

func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event record and its outbox entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			id := args[0]
			rec, err := st.GetEvent(ctx, id)
			if err != nil {
				return lookupError("event", id, err)
			}
			res := showResult{Event: rec}
			entry, err := st.GetEntry(ctx, id)
			switch {
			case err == nil:
				res.Entry = &entry
			case !errors.Is(err, storage.ErrNotFound):
				return lookupError("outbox entry", id, err)
			}

			return render(cmd, opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "Event %s\n", rec.ID)
				fmt.Fprintf(w, "  Type:        %s\n", rec.Type)
				fmt.Fprintf(w, "  Source:      %s\n", rec.Source)
				fmt.Fprintf(w, "  Occurred at: %s\n", rec.OccurredAt.Format(time.RFC3339Nano))
				fmt.Fprintf(w, "  Received at: %s\n", rec.ReceivedAt.Format(time.RFC3339Nano))
				fmt.Fprintf(w, "  Instance:    %s\n", rec.Instance)
				fmt.Fprintf(w, "  Payload:     %s\n", rec.Payload)
				if res.Entry == nil {
					fmt.Fprintln(w, "Outbox: purged after publish")
					return
				}
				writeEntry(w, *res.Entry)
			})
		},
	}
}

func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Reset a failed outbox entry so the publisher retries it now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.Replay(ctx, args[0], time.Now())
			if err != nil {
				return lookupError("outbox entry", args[0], err)
			}
			return render(cmd, opts, entry, func(w io.Writer) {
				fmt.Fprintf(w, "Replayed %s (attempts so far: %d)\n", entry.EventID, entry.Attempts)
			})
		},
	}
}

func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count outbox entries by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count entries", err)
			}
			out := map[outbox.Status]int64{}
			for _, s := range []outbox.Status{outbox.StatusPending, outbox.StatusPublished, outbox.StatusFailed} {
				out[s] = counts[s]
			}
			return render(cmd, opts, out, func(w io.Writer) {
				for _, s := range []outbox.Status{outbox.StatusPending, outbox.StatusPublished, outbox.StatusFailed} {
					fmt.Fprintf(w, "%-10s %d\n", s, out[s])
				}
			})
		},
	}
}

func writeEntry(w io.Writer, e outbox.Entry) {
	fmt.Fprintf(w, "Outbox: %s\n", e.Status)
	fmt.Fprintf(w, "  Attempts:    %d\n", e.Attempts)
	fmt.Fprintf(w, "  Next retry:  %s\n", e.NextRetryAt.Format(time.RFC3339))
	if e.PublishedAt != nil {
		fmt.Fprintf(w, "  Published:   %s\n", e.PublishedAt.Format(time.RFC3339))
	}
	if e.LastError != "" {
		fmt.Fprintf(w, "  Last error:  %s\n", e.LastError)
	}
}

func lookupError(what, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewExitError(ExitFailure, fmt.Sprintf("%s %s not found", what, id))
	case errors.Is(err, storage.ErrNotReplayable):
		return NewExitError(ExitFailure, fmt.Sprintf("%s %s is not failed", what, id))
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("failed to load %s %s", what, id), err)
}
