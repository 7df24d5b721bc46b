package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and adjust daily spend history",
	}
	cmd.AddCommand(newHistoryListCommand(cfg))
	cmd.AddCommand(newHistorySetCommand(cfg))
	return cmd
}

func newHistoryListCommand(cfg config.Config) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List daily spend entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := backend.NewClient(socketPath(cfg))
			entries, err := client.GetSpendHistory(cmd.Context(), days)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tPROVIDER\tREQUESTS\tTRACKED\tSCHEDULED\tEFFECTIVE\tMANUAL")
			for _, e := range entries {
				manual := "-"
				if e.ManualTotalUSD != nil {
					manual = fmt.Sprintf("+$%.2f", *e.ManualTotalUSD)
				} else if e.ManualUSDPerReq != nil {
					manual = fmt.Sprintf("$%.4f/req", *e.ManualUSDPerReq)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t$%.2f\t$%.2f\t$%.2f\t%s\n",
					e.Day, e.Provider, e.Requests,
					e.TrackedTotalUSD, e.ScheduledTotalUSD, e.EffectiveTotalUSD, manual,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "how many days back to list")
	return cmd
}

func newHistorySetCommand(cfg config.Config) *cobra.Command {
	var (
		total  string
		perReq string
	)

	cmd := &cobra.Command{
		Use:   "set <provider> <day>",
		Short: "Override a day's effective total or per-request rate",
		Long:  "Effective totals can never go below the day's floor (tracked plus scheduled spend); setting the total to the floor clears the override.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, day := args[0], args[1]
			if (total == "") == (perReq == "") {
				return fmt.Errorf("exactly one of --total or --per-request is required")
			}

			client := backend.NewClient(socketPath(cfg))
			entry, err := findHistoryEntry(cmd, client, provider, day)
			if err != nil {
				return err
			}

			var update history.Update
			if total != "" {
				update, err = history.ApplyEffectiveEdit(entry, total)
			} else {
				update, err = history.ApplyPerReqEdit(entry, perReq)
			}
			if err != nil {
				return err
			}
			if update.NoOp {
				fmt.Println("no change")
				return nil
			}

			manualTotal := entry.ManualTotalUSD
			manualPerReq := entry.ManualUSDPerReq
			if update.ClearTotal {
				manualTotal = nil
			}
			if update.ManualTotalUSD != nil {
				manualTotal = update.ManualTotalUSD
			}
			if update.ClearPerReq {
				manualPerReq = nil
			}
			if update.ManualUSDPerReq != nil {
				manualPerReq = update.ManualUSDPerReq
			}

			if err := client.SetSpendHistoryEntry(cmd.Context(), provider, day, manualTotal, manualPerReq); err != nil {
				return err
			}
			fmt.Printf("updated %s %s\n", provider, day)
			return nil
		},
	}

	cmd.Flags().StringVar(&total, "total", "", "effective total for the day, e.g. 15 or $15.00")
	cmd.Flags().StringVar(&perReq, "per-request", "", "per-request rate for the day")
	return cmd
}

func findHistoryEntry(cmd *cobra.Command, client *backend.Client, provider, day string) (core.HistoryEntry, error) {
	entries, err := client.GetSpendHistory(cmd.Context(), 400)
	if err != nil {
		return core.HistoryEntry{}, err
	}
	for _, e := range entries {
		if e.Provider == provider && e.Day == day {
			return e, nil
		}
	}
	// No tracked spend yet: start from an empty day.
	return core.HistoryEntry{Provider: provider, Day: day}, nil
}
