package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/spf13/cobra"
)

func newFxCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fx",
		Short: "Manage the cached exchange-rate table",
	}
	cmd.AddCommand(newFxRefreshCommand(cfg))
	cmd.AddCommand(newFxRatesCommand(cfg))
	return cmd
}

func newFxRefreshCommand(cfg config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch today's USD exchange rates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := fx.NewStore(fxCachePath(cfg), cfg.Fx.Endpoints)
			if err := store.Load(); err != nil {
				return err
			}
			store.RefreshDaily(cmd.Context(), force)
			table := store.Table()
			if len(table.Rates) == 0 {
				fmt.Println("no rates available; conversions fall back to 1:1")
				return nil
			}
			fmt.Printf("rates for %s: %d currencies\n", table.Date, len(table.Rates))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "refetch even if today's rates are cached")
	return cmd
}

func newFxRatesCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "Print the cached exchange-rate table",
		RunE: func(_ *cobra.Command, _ []string) error {
			store := fx.NewStore(fxCachePath(cfg), cfg.Fx.Endpoints)
			if err := store.Load(); err != nil {
				return err
			}
			table := store.Table()
			if len(table.Rates) == 0 {
				fmt.Println("no cached rates; run `costlens fx refresh`")
				return nil
			}

			codes := make([]string, 0, len(table.Rates))
			for code := range table.Rates {
				codes = append(codes, code)
			}
			sort.Strings(codes)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "CURRENCY\tPER USD (%s)\n", table.Date)
			for _, code := range codes {
				fmt.Fprintf(w, "%s\t%.6f\n", code, table.Rates[code])
			}
			return w.Flush()
		},
	}
}
