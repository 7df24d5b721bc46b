package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/engine"
	"github.com/spf13/cobra"
)

func newRecentCommand(cfg config.Config) *cobra.Command {
	var (
		limit    int
		follow   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent raw requests",
		Long:  "Prints the latest raw usage requests. With --follow, keeps polling and prints only previously-unseen requests.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := backend.NewClient(socketPath(cfg))
			streams := engine.NewStreams()

			// printLatest writes the newest n rows, oldest first; n <= 0
			// means all loaded rows.
			printLatest := func(n int) error {
				rows := streams.Requests()
				if n <= 0 || n > len(rows) {
					n = len(rows)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for i := n - 1; i >= 0; i-- {
					printRequestRow(w, rows[i])
				}
				return w.Flush()
			}

			if _, err := streams.MergeLatestRequests(cmd.Context(), client, limit); err != nil {
				return err
			}
			if err := printLatest(0); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					added, err := streams.MergeLatestRequests(ctx, client, limit)
					if err != nil {
						fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
						continue
					}
					if added > 0 {
						if err := printLatest(added); err != nil {
							return err
						}
					}
				}
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "how many requests to fetch per poll")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new requests")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval with --follow")
	return cmd
}

func printRequestRow(w *tabwriter.Writer, row core.RequestRow) {
	cost := "-"
	if row.CostUSD != nil {
		cost = fmt.Sprintf("$%.4f", *row.CostUSD)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d tok\t%s\n",
		row.OccurredAt.Local().Format("15:04:05"),
		row.Provider, row.APIKeyRef, row.Model, row.TotalTokens, cost,
	)
}
