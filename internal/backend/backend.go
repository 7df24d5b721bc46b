package backend

import (
	"context"
	"time"

	"github.com/janekbaraniewski/costlens/internal/core"
)

// UsageQuery filters an aggregated usage fetch.
type UsageQuery struct {
	Hours     int      `json:"hours"`
	Providers []string `json:"providers,omitempty"`
	Models    []string `json:"models,omitempty"`
	Origins   []string `json:"origins,omitempty"`
}

// UsageStatistics is the aggregated telemetry response.
type UsageStatistics struct {
	Summary     core.UsageSummary `json:"summary"`
	Catalog     core.Catalog      `json:"catalog"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Backend is the persistence/telemetry collaborator boundary. Every call
// may fail; a failure means no state change occurred.
type Backend interface {
	GetUsageStatistics(ctx context.Context, q UsageQuery) (UsageStatistics, error)
	GetRecentRequests(ctx context.Context, limit int) ([]core.RequestRow, error)

	GetProviderTimeline(ctx context.Context, provider string) ([]core.SchedulePeriod, error)
	// SetProviderTimeline has full-replace semantics: omitted periods are
	// deleted.
	SetProviderTimeline(ctx context.Context, provider string, periods []core.SchedulePeriod) error

	SetProviderManualPricing(ctx context.Context, provider string, mode core.PricingMode, amountUSD float64, packageExpiresAt *time.Time) error
	SetProviderGapFill(ctx context.Context, provider string, mode core.GapFillMode, amountUSD *float64) error

	GetSpendHistory(ctx context.Context, days int) ([]core.HistoryEntry, error)
	SetSpendHistoryEntry(ctx context.Context, provider, dayKey string, totalUsedUSD, usdPerReq *float64) error
}
