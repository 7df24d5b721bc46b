package pricing

import (
	"log"

	"github.com/janekbaraniewski/costlens/internal/core"
)

// Signals carries every cost signal available for one usage row before
// resolution. Each pointer is nil when the signal is absent.
type Signals struct {
	// Explicit $/request override, optionally sourced from a timeline period.
	ManualPerRequestUSD  *float64
	PerRequestFromPeriod bool

	// Flat subscription fee attributed over the covering period, plus any
	// additive manual history correction.
	PackageTotalUSD      *float64
	PackageFromPeriod    bool
	HistoryAdjustmentUSD *float64

	// Upstream-reported consumption (budget API / token rate); subject to
	// shared-account deduplication downstream.
	SharedReportedUSD *float64
	SharedKind        core.SourceKind

	// Lowest-confidence fallbacks, in declining order of specificity.
	GapFillPerRequestUSD *float64
	GapFillTotalUSD      *float64
	GapFillDailyAvgUSD   *float64
	WindowDays           int
}

// Resolution is the outcome of precedence resolution for one row.
type Resolution struct {
	TotalUSD float64
	Source   string
}

// Resolve computes the effective cost for a row with the given request
// count. Precedence is strict, first match wins: manual per-request, then
// package totals, then upstream-reported consumption, then gap fill.
func Resolve(requests int64, sig Signals) Resolution {
	if sig.ManualPerRequestUSD != nil {
		label := "manual_per_request"
		if sig.PerRequestFromPeriod {
			label = "manual_per_request_timeline"
		}
		if sig.PackageTotalUSD != nil {
			log.Printf("pricing_signal_conflict kept=%s dropped=package_total", label)
		}
		return Resolution{TotalUSD: *sig.ManualPerRequestUSD * float64(requests), Source: label}
	}

	if sig.PackageTotalUSD != nil {
		label := "manual_package_total"
		if sig.PackageFromPeriod {
			label = "manual_package_timeline"
		}
		total := *sig.PackageTotalUSD
		if sig.HistoryAdjustmentUSD != nil {
			total += *sig.HistoryAdjustmentUSD
			label += "+manual_history"
		}
		return Resolution{TotalUSD: total, Source: label}
	}

	if sig.SharedReportedUSD != nil {
		label := "provider_budget_api"
		switch sig.SharedKind {
		case core.SourceTokenRate:
			label = "token_rate"
		case core.SourceProviderTokenRate:
			label = "provider_token_rate"
		}
		return Resolution{TotalUSD: *sig.SharedReportedUSD, Source: label}
	}

	switch {
	case sig.GapFillPerRequestUSD != nil:
		return Resolution{TotalUSD: *sig.GapFillPerRequestUSD * float64(requests), Source: "gap_fill_per_request"}
	case sig.GapFillTotalUSD != nil:
		return Resolution{TotalUSD: *sig.GapFillTotalUSD, Source: "gap_fill_total"}
	case sig.GapFillDailyAvgUSD != nil:
		days := sig.WindowDays
		if days <= 0 {
			days = 1
		}
		return Resolution{TotalUSD: *sig.GapFillDailyAvgUSD * float64(days), Source: "gap_fill_daily_avg"}
	}

	return Resolution{}
}

// Finalize stamps a resolution onto a usage row, deriving the average
// request cost. Derived fields are never stored, only recomputed.
func Finalize(row core.UsageRow, res Resolution) core.UsageRow {
	row.PricingSource = res.Source
	if res.Source == "" {
		row.EstimatedTotalCostUSD = nil
		row.EstimatedAvgRequestCostUSD = nil
		return row
	}
	total := res.TotalUSD
	row.EstimatedTotalCostUSD = &total
	row.EstimatedAvgRequestCostUSD = core.AvgRequestCostUSD(total, row.Requests)
	return row
}
