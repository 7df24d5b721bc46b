package main

import (
	"fmt"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/parse"
	"github.com/spf13/cobra"
)

func newGapFillCommand(cfg config.Config) *cobra.Command {
	var (
		mode   string
		amount string
	)

	cmd := &cobra.Command{
		Use:   "gapfill <provider>",
		Short: "Set a fallback cost estimate for a provider",
		Long:  "Configures the lowest-confidence estimate applied when no manual rate, package period, or upstream budget signal covers a provider. Modes: per_request ($/request), total (flat for the window), daily_avg ($/day across the window).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			gapMode := core.GapFillMode(mode)
			if !gapMode.Valid() {
				return fmt.Errorf("invalid gap fill mode %q (per_request, total, daily_avg)", mode)
			}
			parsed := parse.ParseAmount(amount)
			if parsed == nil {
				return fmt.Errorf("invalid amount %q", amount)
			}

			client := backend.NewClient(socketPath(cfg))
			if err := client.SetProviderGapFill(cmd.Context(), provider, gapMode, parsed); err != nil {
				return err
			}
			fmt.Printf("gap fill saved for %s: %s %s\n", provider, mode, formatMoney(*parsed, "USD"))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(core.GapFillModePerRequest), "per_request, total, or daily_avg")
	cmd.Flags().StringVar(&amount, "amount", "", "estimate amount in USD")
	return cmd
}
