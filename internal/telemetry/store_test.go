package telemetry

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
)

func f(v float64) *float64 { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fixedNow() time.Time {
	return time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
}

func seedEvents(t *testing.T, store *Store, events []UsageEvent) {
	t.Helper()
	if err := store.Ingest(context.Background(), events); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}

func TestUsageStatisticsAggregatesAndResolves(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()

	at := fixedNow().Add(-2 * time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", APIKeyRef: "k1", Model: "m1", Requests: 3, InputTokens: 30, OutputTokens: 10, TotalTokens: 40},
		{OccurredAt: at, Provider: "prov-a", APIKeyRef: "k1", Model: "m1", Requests: 2, InputTokens: 20, OutputTokens: 5, TotalTokens: 25},
		{OccurredAt: at, Provider: "prov-b", APIKeyRef: "k2", Model: "m2", Requests: 4, TotalTokens: 10},
	})
	if err := store.SetProviderManualPricing(ctx, "prov-a", core.ModePerRequest, 0.02, nil); err != nil {
		t.Fatalf("SetProviderManualPricing: %v", err)
	}

	stats, err := store.GetUsageStatistics(ctx, backend.UsageQuery{Hours: 24})
	if err != nil {
		t.Fatalf("GetUsageStatistics: %v", err)
	}

	if len(stats.Summary.ByProvider) != 2 {
		t.Fatalf("expected 2 provider rows, got %d", len(stats.Summary.ByProvider))
	}
	rowA := stats.Summary.ByProvider[0]
	if rowA.Provider != "prov-a" || rowA.Requests != 5 || rowA.TotalTokens != 65 {
		t.Fatalf("unexpected prov-a aggregation: %+v", rowA)
	}
	if rowA.PricingSource != "manual_per_request" {
		t.Fatalf("expected manual_per_request tag, got %q", rowA.PricingSource)
	}
	if rowA.EstimatedTotalCostUSD == nil || math.Abs(*rowA.EstimatedTotalCostUSD-0.1) > 1e-9 {
		t.Fatalf("expected effective cost 0.10, got %v", rowA.EstimatedTotalCostUSD)
	}

	rowB := stats.Summary.ByProvider[1]
	if rowB.PricingSource != "" || rowB.EstimatedTotalCostUSD != nil {
		t.Fatalf("unconfigured provider must stay untagged: %+v", rowB)
	}

	if stats.Summary.TotalRequests != 9 {
		t.Fatalf("expected 9 total requests, got %d", stats.Summary.TotalRequests)
	}
	if len(stats.Catalog.Providers) != 2 || len(stats.Catalog.Models) != 2 {
		t.Fatalf("unexpected catalog: %+v", stats.Catalog)
	}
}

func TestUsageStatisticsBudgetSignal(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	at := fixedNow().Add(-time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", APIKeyRef: "k1", Requests: 10, ReportedCostUSD: f(12), ReportedSource: "provider_budget_api"},
	})

	stats, err := store.GetUsageStatistics(context.Background(), backend.UsageQuery{Hours: 24})
	if err != nil {
		t.Fatalf("GetUsageStatistics: %v", err)
	}
	row := stats.Summary.ByProvider[0]
	if row.PricingSource != "provider_budget_api" {
		t.Fatalf("expected budget API tag, got %q", row.PricingSource)
	}
	if row.EstimatedTotalCostUSD == nil || *row.EstimatedTotalCostUSD != 12 {
		t.Fatalf("expected reported cost 12, got %v", row.EstimatedTotalCostUSD)
	}
}

func TestUsageStatisticsDailyAvgGapFill(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()
	at := fixedNow().Add(-time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", APIKeyRef: "k1", Requests: 4, TotalTokens: 10},
	})
	if err := store.SetProviderGapFill(ctx, "prov-a", core.GapFillModeDailyAvg, f(2)); err != nil {
		t.Fatalf("SetProviderGapFill: %v", err)
	}
	if err := store.SetProviderGapFill(ctx, "prov-a", "weekly", f(2)); err == nil {
		t.Fatal("unknown gap fill mode must be rejected")
	}

	stats, err := store.GetUsageStatistics(ctx, backend.UsageQuery{Hours: 7 * 24})
	if err != nil {
		t.Fatalf("GetUsageStatistics: %v", err)
	}
	row := stats.Summary.ByProvider[0]
	if row.PricingSource != "gap_fill_daily_avg" {
		t.Fatalf("expected daily-avg gap fill tag, got %q", row.PricingSource)
	}
	if row.EstimatedTotalCostUSD == nil || math.Abs(*row.EstimatedTotalCostUSD-14) > 1e-9 {
		t.Fatalf("expected 7 days x $2, got %v", row.EstimatedTotalCostUSD)
	}
}

func TestUsageStatisticsActivePackagePeriodWins(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()
	at := fixedNow().Add(-time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", APIKeyRef: "k1", Requests: 10, ReportedCostUSD: f(3), ReportedSource: "token_rate"},
	})

	err := store.SetProviderTimeline(ctx, "prov-a", []core.SchedulePeriod{{
		Mode: core.ModePackageTotal, AmountUSD: 20, APIKeyRef: "k1",
		StartedAt: fixedNow().AddDate(0, 0, -10),
	}})
	if err != nil {
		t.Fatalf("SetProviderTimeline: %v", err)
	}

	stats, err := store.GetUsageStatistics(ctx, backend.UsageQuery{Hours: 24})
	if err != nil {
		t.Fatalf("GetUsageStatistics: %v", err)
	}
	row := stats.Summary.ByProvider[0]
	if row.PricingSource != "manual_package_timeline" {
		t.Fatalf("package period must outrank token rate, got %q", row.PricingSource)
	}
	if *row.EstimatedTotalCostUSD != 20 {
		t.Fatalf("expected package amount 20, got %v", *row.EstimatedTotalCostUSD)
	}
}

func TestUsageStatisticsHonorsFilters(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	at := fixedNow().Add(-time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", Model: "m1", Origin: "cli", Requests: 5},
		{OccurredAt: at, Provider: "prov-b", Model: "m2", Origin: "web", Requests: 7},
	})

	stats, err := store.GetUsageStatistics(context.Background(), backend.UsageQuery{Hours: 24, Providers: []string{"prov-b"}})
	if err != nil {
		t.Fatalf("GetUsageStatistics: %v", err)
	}
	if len(stats.Summary.ByProvider) != 1 || stats.Summary.ByProvider[0].Provider != "prov-b" {
		t.Fatalf("provider filter ignored: %+v", stats.Summary.ByProvider)
	}
	if stats.Summary.TotalRequests != 7 {
		t.Fatalf("totals must respect filters, got %d", stats.Summary.TotalRequests)
	}
}

func TestTimelineFullReplaceSemantics(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	first := []core.SchedulePeriod{
		{Mode: core.ModePackageTotal, AmountUSD: 20, APIKeyRef: "k1", StartedAt: start},
		{Mode: core.ModePerRequest, AmountUSD: 0.01, APIKeyRef: "k1", StartedAt: start.AddDate(0, 1, 0)},
	}
	if err := store.SetProviderTimeline(ctx, "prov-a", first); err != nil {
		t.Fatalf("SetProviderTimeline: %v", err)
	}

	// Rewrite with only one period: the omitted one is deleted.
	if err := store.SetProviderTimeline(ctx, "prov-a", first[:1]); err != nil {
		t.Fatalf("SetProviderTimeline rewrite: %v", err)
	}

	periods, err := store.GetProviderTimeline(ctx, "prov-a")
	if err != nil {
		t.Fatalf("GetProviderTimeline: %v", err)
	}
	if len(periods) != 1 {
		t.Fatalf("omitted periods must be deleted, got %d", len(periods))
	}
	if periods[0].ID == nil {
		t.Fatal("persisted periods carry IDs")
	}
	if periods[0].Mode != core.ModePackageTotal || periods[0].AmountUSD != 20 {
		t.Fatalf("unexpected period: %+v", periods[0])
	}
	if periods[0].EndedAt != nil {
		t.Fatal("open-ended period must round-trip as nil ended_at")
	}
}

func TestRollUpDayAccruesScheduledWithoutTraffic(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()

	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	if err := store.SetProviderTimeline(ctx, "prov-a", []core.SchedulePeriod{
		{Mode: core.ModePackageTotal, AmountUSD: 30, APIKeyRef: "k1", StartedAt: start, EndedAt: &end},
	}); err != nil {
		t.Fatalf("SetProviderTimeline: %v", err)
	}

	// No usage events on this day: the package still accrues.
	if err := store.RollUpDay(ctx, "2026-03-02"); err != nil {
		t.Fatalf("RollUpDay: %v", err)
	}

	entries, err := store.GetSpendHistory(ctx, 7)
	if err != nil {
		t.Fatalf("GetSpendHistory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one scheduled-only entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Provider != "prov-a" || e.Requests != 0 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if math.Abs(e.ScheduledTotalUSD-1) > 1e-9 {
		t.Fatalf("expected $1/day scheduled accrual, got %v", e.ScheduledTotalUSD)
	}
	if math.Abs(e.Floor()-1) > 1e-9 {
		t.Fatalf("floor must include the scheduled accrual, got %v", e.Floor())
	}
}

func TestSpendHistoryDeriveAndUpsert(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()

	at := fixedNow().Add(-3 * time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", Requests: 10, ReportedCostUSD: f(10), ReportedSource: "provider_budget_api"},
	})
	day := core.DayKey(at)
	if err := store.RollUpDay(ctx, day); err != nil {
		t.Fatalf("RollUpDay: %v", err)
	}

	entries, err := store.GetSpendHistory(ctx, 7)
	if err != nil {
		t.Fatalf("GetSpendHistory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TrackedTotalUSD != 10 || e.EffectiveTotalUSD != 10 {
		t.Fatalf("unexpected derived entry: %+v", e)
	}

	// Operator raises the day to 15: override stores the +5 delta.
	if err := store.SetSpendHistoryEntry(ctx, "prov-a", day, f(5), nil); err != nil {
		t.Fatalf("SetSpendHistoryEntry: %v", err)
	}
	// Roll-up keeps the override while refreshing tracked totals.
	if err := store.RollUpDay(ctx, day); err != nil {
		t.Fatalf("RollUpDay: %v", err)
	}

	entries, err = store.GetSpendHistory(ctx, 7)
	if err != nil {
		t.Fatalf("GetSpendHistory: %v", err)
	}
	e = entries[0]
	if e.ManualTotalUSD == nil || *e.ManualTotalUSD != 5 {
		t.Fatalf("override lost: %+v", e)
	}
	if e.EffectiveTotalUSD != 15 {
		t.Fatalf("effective must be floor + delta, got %v", e.EffectiveTotalUSD)
	}
	if e.EffectiveTotalUSD < e.Floor() {
		t.Fatal("effective total can never undercut the floor")
	}

	// Clearing both overrides returns to the floor.
	if err := store.SetSpendHistoryEntry(ctx, "prov-a", day, nil, nil); err != nil {
		t.Fatalf("SetSpendHistoryEntry clear: %v", err)
	}
	entries, _ = store.GetSpendHistory(ctx, 7)
	if entries[0].EffectiveTotalUSD != 10 {
		t.Fatalf("cleared override must fall back to the floor, got %v", entries[0].EffectiveTotalUSD)
	}
}

func TestSpendHistoryPerRequestOverride(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()

	at := fixedNow().Add(-2 * time.Hour)
	seedEvents(t, store, []UsageEvent{
		{OccurredAt: at, Provider: "prov-a", Requests: 100, ReportedCostUSD: f(1), ReportedSource: "provider_budget_api"},
	})
	day := core.DayKey(at)
	if err := store.RollUpDay(ctx, day); err != nil {
		t.Fatalf("RollUpDay: %v", err)
	}
	if err := store.SetSpendHistoryEntry(ctx, "prov-a", day, nil, f(0.05)); err != nil {
		t.Fatalf("SetSpendHistoryEntry: %v", err)
	}
	if err := store.RollUpDay(ctx, day); err != nil {
		t.Fatalf("RollUpDay: %v", err)
	}

	entries, err := store.GetSpendHistory(ctx, 7)
	if err != nil {
		t.Fatalf("GetSpendHistory: %v", err)
	}
	e := entries[0]
	if e.EffectiveUSDPerReq == nil || *e.EffectiveUSDPerReq != 0.05 {
		t.Fatalf("per-request override must drive the effective rate: %+v", e)
	}
	if math.Abs(e.EffectiveTotalUSD-5) > 1e-9 {
		t.Fatalf("expected 100 * 0.05 = 5, got %v", e.EffectiveTotalUSD)
	}
}

func TestPruneOlderThan(t *testing.T) {
	store := openTestStore(t)
	store.now = fixedNow
	ctx := context.Background()

	seedEvents(t, store, []UsageEvent{
		{OccurredAt: fixedNow().AddDate(0, 0, -60), Provider: "prov-a", Requests: 1},
		{OccurredAt: fixedNow().Add(-time.Hour), Provider: "prov-a", Requests: 1},
	})

	pruned, err := store.PruneOlderThan(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned event, got %d", pruned)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Events != 1 {
		t.Fatalf("expected 1 surviving event, got %d", stats.Events)
	}
}
