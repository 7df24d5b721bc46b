package pricing

import (
	"path/filepath"
	"testing"

	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/fx"
)

func f(v float64) *float64 { return &v }

func TestDraftSignatureEquality(t *testing.T) {
	one := Draft{Mode: core.ModePerRequest, AmountText: " 0.02 ", Currency: "usd"}
	two := Draft{Mode: core.ModePerRequest, AmountText: "0.02", Currency: "USD"}
	if one.Signature() != two.Signature() {
		t.Fatal("trim and currency normalization must not affect the signature")
	}

	three := two
	three.Currency = "RMB"
	four := two
	four.Currency = "CNY"
	if three.Signature() != four.Signature() {
		t.Fatal("RMB and CNY drafts are the same draft")
	}

	diff := two
	diff.AmountText = "0.020"
	if diff.Signature() == two.Signature() {
		t.Fatal("different amount text must change the signature")
	}

	mode := two
	mode.Mode = core.ModePackageTotal
	if mode.Signature() == two.Signature() {
		t.Fatal("different mode must change the signature")
	}
}

func TestDraftAmountUSDUsesDisplayCurrency(t *testing.T) {
	rates := fx.NewStore(filepath.Join(t.TempDir(), "fx.json"), nil)
	d := Draft{Mode: core.ModePackageTotal, AmountText: "20", Currency: "EUR"}
	// No EUR rate cached: degrade to USD passthrough.
	if v := d.AmountUSD(rates); v == nil || *v != 20 {
		t.Fatalf("expected 20, got %v", v)
	}
	if (Draft{AmountText: "-5"}).AmountUSD(rates) != nil {
		t.Fatal("non-positive amounts must not parse")
	}
}

func TestResolveManualPerRequestWins(t *testing.T) {
	res := Resolve(100, Signals{
		ManualPerRequestUSD:  f(0.03),
		PackageTotalUSD:      f(50),
		SharedReportedUSD:    f(12),
		GapFillPerRequestUSD: f(0.5),
	})
	if res.Source != "manual_per_request" || res.TotalUSD != 3 {
		t.Fatalf("expected manual_per_request total 3, got %+v", res)
	}
}

func TestResolvePackageWithHistoryAdjustment(t *testing.T) {
	res := Resolve(10, Signals{
		PackageTotalUSD:      f(20),
		PackageFromPeriod:    true,
		HistoryAdjustmentUSD: f(5),
		SharedReportedUSD:    f(99),
	})
	if res.Source != "manual_package_timeline+manual_history" {
		t.Fatalf("unexpected source %q", res.Source)
	}
	if res.TotalUSD != 25 {
		t.Fatalf("expected 25, got %v", res.TotalUSD)
	}
}

func TestResolveSharedReported(t *testing.T) {
	res := Resolve(10, Signals{SharedReportedUSD: f(7), SharedKind: core.SourceTokenRate, GapFillTotalUSD: f(100)})
	if res.Source != "token_rate" || res.TotalUSD != 7 {
		t.Fatalf("expected token_rate 7, got %+v", res)
	}
}

func TestResolveGapFillOrder(t *testing.T) {
	res := Resolve(4, Signals{GapFillPerRequestUSD: f(0.5), GapFillTotalUSD: f(100)})
	if res.Source != "gap_fill_per_request" || res.TotalUSD != 2 {
		t.Fatalf("per-request gap fill outranks total gap fill, got %+v", res)
	}

	res = Resolve(4, Signals{GapFillDailyAvgUSD: f(2), WindowDays: 7})
	if res.Source != "gap_fill_daily_avg" || res.TotalUSD != 14 {
		t.Fatalf("expected daily avg over 7 days = 14, got %+v", res)
	}
}

func TestResolveNoSignals(t *testing.T) {
	res := Resolve(10, Signals{})
	if res.Source != "" || res.TotalUSD != 0 {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}

func TestFinalizeDerivesAverages(t *testing.T) {
	row := core.UsageRow{Provider: "anthropic", Requests: 8}
	row = Finalize(row, Resolution{TotalUSD: 4, Source: "manual_per_request"})
	if row.EstimatedTotalCostUSD == nil || *row.EstimatedTotalCostUSD != 4 {
		t.Fatalf("total not stamped: %+v", row)
	}
	if row.EstimatedAvgRequestCostUSD == nil || *row.EstimatedAvgRequestCostUSD != 0.5 {
		t.Fatalf("average not derived: %+v", row)
	}

	empty := Finalize(core.UsageRow{Requests: 8}, Resolution{})
	if empty.EstimatedTotalCostUSD != nil || empty.PricingSource != "" {
		t.Fatal("empty resolution must clear derived cost fields")
	}
}
