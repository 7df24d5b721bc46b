package main

import (
	"fmt"
	"time"

	"github.com/janekbaraniewski/costlens/internal/autosave"
	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/engine"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/pricing"
	"github.com/spf13/cobra"
)

func newPricingCommand(cfg config.Config) *cobra.Command {
	var (
		mode     string
		amount   string
		currency string
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "pricing <provider>",
		Short: "Set manual pricing for a provider",
		Long:  "Sets a per-request rate or activates package-total pricing. Amounts in a non-USD currency are converted with the cached exchange rates.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			rates := fx.NewStore(fxCachePath(cfg), cfg.Fx.Endpoints)
			_ = rates.Load()

			client := backend.NewClient(socketPath(cfg))
			eng := engine.New(client, rates, []string{provider},
				engine.WithDebounce(time.Duration(cfg.UI.AutoSaveDebounceMillis)*time.Millisecond))
			defer eng.Close()

			done := make(chan autosave.State, 1)
			eng.Reconciler().OnState(func(unit string, state autosave.State) {
				if unit != provider {
					return
				}
				switch state {
				case autosave.StateSaved, autosave.StateInvalid, autosave.StateError:
					select {
					case done <- state:
					default:
					}
				}
			})

			draft := pricing.Draft{
				Mode:       core.PricingMode(mode),
				AmountText: amount,
				Currency:   currency,
			}
			eng.EditDraft(provider, draft)

			if eng.Reconciler().PendingConfirmation(provider) {
				if !yes {
					return fmt.Errorf("activating package pricing rewrites active billing periods; rerun with --yes to confirm")
				}
				eng.ConfirmPackageSave(provider)
			}

			select {
			case state := <-done:
				switch state {
				case autosave.StateSaved:
					fmt.Printf("pricing saved for %s\n", provider)
					return nil
				case autosave.StateInvalid:
					return fmt.Errorf("invalid pricing input: mode=%s amount=%q", mode, amount)
				default:
					return fmt.Errorf("saving pricing for %s failed", provider)
				}
			case <-time.After(15 * time.Second):
				return fmt.Errorf("timed out waiting for pricing save")
			}
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(core.ModePerRequest), "pricing mode: none, per_request, or package_total")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 0.02 or $20")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency of the amount")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm package-total activation")
	return cmd
}
