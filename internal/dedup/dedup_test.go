package dedup

import (
	"testing"

	"github.com/janekbaraniewski/costlens/internal/core"
)

func f(v float64) *float64 { return &v }

func budgetRow(provider, key string, requests int64, totalUSD float64) core.UsageRow {
	return core.UsageRow{
		Provider:              provider,
		APIKeyRef:             key,
		Requests:              requests,
		PricingSource:         "provider_budget_api",
		EstimatedTotalCostUSD: f(totalUSD),
	}
}

func TestKeeperIsHighestRequestCount(t *testing.T) {
	rows := []core.UsageRow{
		budgetRow("b-alias", "k1", 40, 12),
		budgetRow("a-main", "k1", 100, 12),
	}
	groups := Groups(rows)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	if groups[0].Keeper.Provider != "a-main" {
		t.Fatalf("keeper should be the 100-request alias, got %q", groups[0].Keeper.Provider)
	}
}

func TestKeeperTieBreaksByProvider(t *testing.T) {
	rows := []core.UsageRow{
		budgetRow("zeta", "k1", 50, 10),
		budgetRow("alpha", "k1", 50, 10),
	}
	groups := Groups(rows)
	if groups[0].Keeper.Provider != "alpha" {
		t.Fatalf("tie must break on provider lexical order, got %q", groups[0].Keeper.Provider)
	}
}

func TestSuppressZeroesNonKeepersOnly(t *testing.T) {
	rows := []core.UsageRow{
		budgetRow("a", "k1", 100, 12),
		budgetRow("b", "k1", 40, 12),
		budgetRow("c", "k2", 5, 3),
		{Provider: "d", APIKeyRef: "k1", Requests: 9, PricingSource: "manual_per_request", EstimatedTotalCostUSD: f(2)},
	}
	out := SuppressForAggregation(rows)

	if out[0].EffectiveTotalUSD() != 12 {
		t.Fatal("keeper contribution must survive")
	}
	if out[1].EffectiveTotalUSD() != 0 {
		t.Fatal("non-keeper alias must be zeroed")
	}
	if out[2].EffectiveTotalUSD() != 3 {
		t.Fatal("single-member groups are untouched")
	}
	if out[3].EffectiveTotalUSD() != 2 {
		t.Fatal("non-shared sources never join a group even on the same key")
	}

	// Input rows keep their display values.
	if rows[1].EffectiveTotalUSD() != 12 {
		t.Fatal("input rows must not be mutated")
	}
}

func TestAggregateEqualsKeeperOnly(t *testing.T) {
	rows := []core.UsageRow{
		budgetRow("a", "k1", 100, 12),
		budgetRow("b", "k1", 40, 12),
		budgetRow("c", "k1", 1, 12),
	}
	if got := AggregateTotalUSD(rows); got != 12 {
		t.Fatalf("aggregate must count the subscription once, got %v", got)
	}
}

func TestRowsWithoutKeyNeverGroup(t *testing.T) {
	rows := []core.UsageRow{
		budgetRow("a", "", 10, 5),
		budgetRow("b", "", 10, 5),
	}
	if got := AggregateTotalUSD(rows); got != 10 {
		t.Fatalf("keyless rows are independent, got %v", got)
	}
}
