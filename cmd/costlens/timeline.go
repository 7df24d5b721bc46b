package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/timeline"
	"github.com/spf13/cobra"
)

func newTimelineCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Manage per-provider billing period timelines",
	}
	cmd.AddCommand(newTimelineListCommand(cfg))
	cmd.AddCommand(newTimelineAddCommand(cfg))
	cmd.AddCommand(newTimelineActivateCommand(cfg))
	return cmd
}

func timelineManager(cfg config.Config, providers []string) *timeline.Manager {
	return timeline.NewManager(backend.NewClient(socketPath(cfg)), providers)
}

func newTimelineListCommand(cfg config.Config) *cobra.Command {
	var aliases []string

	cmd := &cobra.Command{
		Use:   "list <provider>",
		Short: "List billing periods for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			mgr := timelineManager(cfg, append([]string{provider}, aliases...))
			rows, err := mgr.Load(cmd.Context(), provider)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODE\tAMOUNT\tKEY\tSTART\tEND\tALIASES")
			now := time.Now().UTC()
			for _, row := range rows {
				p := row.Period
				end := "open"
				if p.EndedAt != nil {
					end = p.EndedAt.UTC().Format("2006-01-02")
				}
				marker := ""
				if p.ActiveAt(now) {
					marker = " *"
				}
				fmt.Fprintf(w, "%s%s\t$%.2f\t%s\t%s\t%s\t%s\n",
					p.Mode, marker, p.AmountUSD, p.APIKeyRef,
					p.StartedAt.UTC().Format("2006-01-02"), end,
					strings.Join(row.Aliases, ","),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&aliases, "alias", nil, "additional provider aliases sharing the subscription")
	return cmd
}

func newTimelineAddCommand(cfg config.Config) *cobra.Command {
	var (
		mode    string
		amount  string
		start   string
		end     string
		key     string
		aliases []string
	)

	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Add a billing period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			all := append([]string{provider}, aliases...)
			mgr := timelineManager(cfg, all)
			rows, err := mgr.Load(cmd.Context(), provider)
			if err != nil {
				return err
			}

			edits := make([]timeline.EditRow, 0, len(rows)+1)
			for _, row := range rows {
				p := row.Period
				endText := ""
				if p.EndedAt != nil {
					endText = p.EndedAt.UTC().Format(time.RFC3339)
				}
				edits = append(edits, timeline.EditRow{
					ID:         p.ID,
					Mode:       p.Mode,
					AmountText: fmt.Sprintf("%.8f", p.AmountUSD),
					StartText:  p.StartedAt.UTC().Format(time.RFC3339),
					EndText:    endText,
					APIKeyRef:  p.APIKeyRef,
					Aliases:    row.Aliases,
				})
			}
			edits = append(edits, timeline.EditRow{
				Mode:       core.PricingMode(mode),
				AmountText: amount,
				StartText:  start,
				EndText:    end,
				APIKeyRef:  key,
				Aliases:    all,
			})

			if err := mgr.Save(cmd.Context(), edits); err != nil {
				return err
			}
			fmt.Printf("saved %d periods for %s\n", len(edits), provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(core.ModePackageTotal), "pricing mode: per_request or package_total")
	cmd.Flags().StringVar(&amount, "amount", "", "period amount, e.g. 20 or $20.00")
	cmd.Flags().StringVar(&start, "start", "", "period start (RFC3339, YYYY-MM-DD, or unix seconds)")
	cmd.Flags().StringVar(&end, "end", "", "period end, exclusive; empty means open-ended")
	cmd.Flags().StringVar(&key, "key", "", "api key reference the period is billed under")
	cmd.Flags().StringSliceVar(&aliases, "alias", nil, "additional provider aliases sharing the subscription")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newTimelineActivateCommand(cfg config.Config) *cobra.Command {
	var amount float64

	cmd := &cobra.Command{
		Use:   "activate <provider>",
		Short: "Activate package-total pricing for a provider",
		Long:  "Rewrites the amounts of active and upcoming package periods, or creates a package pricing entry when the provider has none.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			mgr := timelineManager(cfg, []string{provider})

			var amountPtr *float64
			if cmd.Flags().Changed("amount") {
				amountPtr = &amount
			}
			if err := mgr.ActivatePackageTotal(cmd.Context(), provider, amountPtr, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Printf("package pricing active for %s\n", provider)
			return nil
		},
	}

	cmd.Flags().Float64Var(&amount, "amount", 0, "package amount in USD")
	return cmd
}
