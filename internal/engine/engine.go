package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/costlens/internal/anomaly"
	"github.com/janekbaraniewski/costlens/internal/autosave"
	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/dedup"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/history"
	"github.com/janekbaraniewski/costlens/internal/pricing"
	"github.com/janekbaraniewski/costlens/internal/timeline"
)

// Engine wires the cost-attribution pipeline together: telemetry fetches,
// pricing drafts, debounced persistence, and anomaly scanning. It owns no
// rendering; the presentation layer reads its state.
type Engine struct {
	backend  backend.Backend
	fx       *fx.Store
	recon    *autosave.Reconciler
	timeline *timeline.Manager

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithDebounce(delay time.Duration) Option {
	return func(e *Engine) { e.recon = autosave.NewReconciler(delay) }
}

func New(b backend.Backend, rates *fx.Store, providers []string, opts ...Option) *Engine {
	e := &Engine{
		backend:  b,
		fx:       rates,
		recon:    autosave.NewReconciler(autosave.DefaultDelay),
		timeline: timeline.NewManager(b, providers),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconciler exposes the save-state machine to the presentation layer.
func (e *Engine) Reconciler() *autosave.Reconciler { return e.recon }

// Timeline exposes the period manager.
func (e *Engine) Timeline() *timeline.Manager { return e.timeline }

// Close cancels pending debounce timers without flushing.
func (e *Engine) Close() { e.recon.Close() }

// EditDraft records a pricing draft edit for a provider and routes it into
// the debounced save path. Package-total drafts are parked until
// ConfirmPackageSave because activation can rewrite active periods.
func (e *Engine) EditDraft(provider string, draft pricing.Draft) {
	needsConfirm := draft.Mode == core.ModePackageTotal
	e.recon.Submit(provider, draft.Signature(), needsConfirm, func(ctx context.Context) error {
		return e.commitDraft(ctx, provider, draft)
	})
}

// ConfirmPackageSave flushes a parked package-total draft.
func (e *Engine) ConfirmPackageSave(provider string) bool {
	return e.recon.Confirm(provider)
}

func (e *Engine) commitDraft(ctx context.Context, provider string, draft pricing.Draft) error {
	switch draft.Mode {
	case core.ModeNone:
		return e.backend.SetProviderManualPricing(ctx, provider, core.ModeNone, 0, nil)
	case core.ModePerRequest:
		amount := draft.AmountUSD(e.fx)
		if amount == nil {
			return fmt.Errorf("%w: per-request amount %q", autosave.ErrInvalid, draft.AmountText)
		}
		return e.backend.SetProviderManualPricing(ctx, provider, core.ModePerRequest, *amount, nil)
	case core.ModePackageTotal:
		err := e.timeline.ActivatePackageTotal(ctx, provider, draft.AmountUSD(e.fx), e.now())
		if errors.Is(err, timeline.ErrNoAmount) {
			return fmt.Errorf("%w: %v", autosave.ErrInvalid, err)
		}
		return err
	default:
		return fmt.Errorf("%w: unknown mode %q", autosave.ErrInvalid, draft.Mode)
	}
}

// EditHistoryEffective applies an operator edit of a day's effective total
// and persists the reconciled override. Validation failures never reach
// the backend.
func (e *Engine) EditHistoryEffective(ctx context.Context, entry core.HistoryEntry, text string) error {
	update, err := history.ApplyEffectiveEdit(entry, text)
	if err != nil {
		return err
	}
	return e.persistHistoryUpdate(ctx, entry, update)
}

// EditHistoryPerReq applies an operator edit of a day's per-request rate.
func (e *Engine) EditHistoryPerReq(ctx context.Context, entry core.HistoryEntry, text string) error {
	update, err := history.ApplyPerReqEdit(entry, text)
	if err != nil {
		return err
	}
	return e.persistHistoryUpdate(ctx, entry, update)
}

func (e *Engine) persistHistoryUpdate(ctx context.Context, entry core.HistoryEntry, update history.Update) error {
	if update.NoOp {
		return nil
	}

	total := entry.ManualTotalUSD
	perReq := entry.ManualUSDPerReq
	if update.ClearTotal {
		total = nil
	}
	if update.ClearPerReq {
		perReq = nil
	}
	if update.ManualTotalUSD != nil {
		total = update.ManualTotalUSD
	}
	if update.ManualUSDPerReq != nil {
		perReq = update.ManualUSDPerReq
	}
	return e.backend.SetSpendHistoryEntry(ctx, entry.Provider, entry.Day, total, perReq)
}

// ScanAnomalies runs both detectors over a summary.
func (e *Engine) ScanAnomalies(summary core.UsageSummary) anomaly.Report {
	providerCount := len(lo.UniqBy(summary.ByProvider, func(row core.UsageRow) string {
		return row.Provider
	}))
	return anomaly.Scan(summary, providerCount)
}

// AggregateTotalUSD is the cross-provider effective total with shared
// subscriptions counted once.
func (e *Engine) AggregateTotalUSD(rows []core.UsageRow) float64 {
	return dedup.AggregateTotalUSD(rows)
}

// DisplayTotal converts a USD aggregate into the display currency.
func (e *Engine) DisplayTotal(usd float64, currency string) float64 {
	return e.fx.ToDisplay(usd, currency)
}
