package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/janekbaraniewski/costlens/internal/anomaly"
	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/dedup"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/prefs"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newReportCommand(cfg config.Config) *cobra.Command {
	var (
		window    string
		providers []string
		models    []string
		origins   []string
		currency  string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show attributed spend per provider and key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			userPrefs, err := prefs.Load()
			if err != nil {
				userPrefs = prefs.DefaultPrefs()
			}
			if currency != "" {
				userPrefs.DisplayCurrency = fx.NormalizeCurrencyCode(currency)
			}

			rates := fx.NewStore(fxCachePath(cfg), cfg.Fx.Endpoints)
			_ = rates.Load()

			client := backend.NewClient(socketPath(cfg))
			stats, err := client.GetUsageStatistics(ctx, backend.UsageQuery{
				Hours:     core.TimeWindow(window).Hours(),
				Providers: providers,
				Models:    models,
				Origins:   origins,
			})
			if err != nil {
				return err
			}

			// Suppressed copies feed aggregates and anomaly input only; the
			// table renders each row's own values.
			rows := stats.Summary.ByProvider
			suppressed := dedup.SuppressForAggregation(rows)
			providerCount := len(lo.UniqBy(rows, func(r core.UsageRow) string { return r.Provider }))
			report := anomaly.Scan(core.UsageSummary{
				ByProvider: suppressed,
				Timeline:   stats.Summary.Timeline,
			}, providerCount)

			cur := userPrefs.DisplayCurrency
			if err := writeReportTable(os.Stdout, rows, report, rates, cur); err != nil {
				return err
			}

			total := dedup.AggregateTotalUSD(rows)
			fmt.Printf("\nTotal (%s): %s\n", core.TimeWindow(window).Label(), formatMoney(rates.ToDisplay(total, cur), cur))

			for _, msg := range report.Messages {
				fmt.Printf("warning: %s\n", msg)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&window, "window", "w", string(core.TimeWindow30d),
		"time window: "+strings.Join(lo.Map(core.ValidTimeWindows, func(tw core.TimeWindow, _ int) string { return string(tw) }), ", "))
	cmd.Flags().StringSliceVar(&providers, "provider", nil, "filter by provider")
	cmd.Flags().StringSliceVar(&models, "model", nil, "filter by model")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "filter by origin")
	cmd.Flags().StringVar(&currency, "currency", "", "display currency (default from prefs)")
	return cmd
}

func writeReportTable(out io.Writer, rows []core.UsageRow, report anomaly.Report, rates *fx.Store, cur string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tKEY\tREQUESTS\tTOKENS\tCOST\t$/MTOK\tSOURCE")
	for _, row := range rows {
		cost := "-"
		perMtok := "-"
		if row.EstimatedTotalCostUSD != nil {
			cost = formatMoney(rates.ToDisplay(*row.EstimatedTotalCostUSD, cur), cur)
			if v := core.UsdPerMillionTokens(*row.EstimatedTotalCostUSD, row.TotalTokens); v != nil {
				perMtok = formatMoney(rates.ToDisplay(*v, cur), cur)
			}
		}
		mark := ""
		if report.Highlighted[row.Provider+"|"+row.APIKeyRef] {
			mark = " !"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			row.Provider, mark, row.APIKeyRef, row.Requests, row.TotalTokens,
			cost, perMtok, core.FormatPricingSource(row.PricingSource),
		)
	}
	return w.Flush()
}

func formatMoney(amount float64, currency string) string {
	if currency == "" || currency == "USD" {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}
