package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/janekbaraniewski/costlens/internal/autosave"
	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/pricing"
)

type fakeBackend struct {
	backend.Backend

	mu sync.Mutex

	stats     backend.UsageStatistics
	statGate  chan struct{} // when set, GetUsageStatistics blocks until closed
	requests  []core.RequestRow
	periods   map[string][]core.SchedulePeriod
	manualSet []string
	historySet []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{periods: map[string][]core.SchedulePeriod{}}
}

func (f *fakeBackend) GetUsageStatistics(_ context.Context, _ backend.UsageQuery) (backend.UsageStatistics, error) {
	f.mu.Lock()
	gate := f.statGate
	stats := f.stats
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return stats, nil
}

func (f *fakeBackend) GetRecentRequests(_ context.Context, _ int) ([]core.RequestRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.RequestRow(nil), f.requests...), nil
}

func (f *fakeBackend) GetProviderTimeline(_ context.Context, provider string) ([]core.SchedulePeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periods[provider], nil
}

func (f *fakeBackend) SetProviderTimeline(_ context.Context, provider string, periods []core.SchedulePeriod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods[provider] = periods
	return nil
}

func (f *fakeBackend) SetProviderManualPricing(_ context.Context, provider string, mode core.PricingMode, _ float64, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualSet = append(f.manualSet, provider+"|"+string(mode))
	return nil
}

func (f *fakeBackend) SetSpendHistoryEntry(_ context.Context, provider, dayKey string, totalUsedUSD, usdPerReq *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := provider + "|" + dayKey
	if totalUsedUSD != nil {
		entry += "|total"
	}
	if usdPerReq != nil {
		entry += "|perreq"
	}
	f.historySet = append(f.historySet, entry)
	return nil
}

func newTestEngine(t *testing.T, fb *fakeBackend) *Engine {
	t.Helper()
	rates := fx.NewStore(filepath.Join(t.TempDir(), "fx.json"), nil)
	e := New(fb, rates, []string{"prov-a"}, WithDebounce(10*time.Millisecond))
	t.Cleanup(e.Close)
	return e
}

func TestStaleUsageResponseDiscarded(t *testing.T) {
	fb := newFakeBackend()
	streams := NewStreams()

	gate := make(chan struct{})
	fb.mu.Lock()
	fb.statGate = gate
	fb.stats = backend.UsageStatistics{Summary: core.UsageSummary{TotalRequests: 1}}
	fb.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// First fetch blocks on the gate and resolves after the second.
		streams.RefreshUsage(context.Background(), fb, backend.UsageQuery{Hours: 24})
	}()
	time.Sleep(20 * time.Millisecond)

	fb.mu.Lock()
	fb.statGate = nil
	fb.stats = backend.UsageStatistics{Summary: core.UsageSummary{TotalRequests: 2}}
	fb.mu.Unlock()
	if err := streams.RefreshUsage(context.Background(), fb, backend.UsageQuery{Hours: 24}); err != nil {
		t.Fatalf("RefreshUsage: %v", err)
	}

	close(gate)
	wg.Wait()

	stats, ok := streams.Statistics()
	if !ok {
		t.Fatal("expected applied statistics")
	}
	if stats.Summary.TotalRequests != 2 {
		t.Fatalf("stale first response overwrote newer state: %+v", stats.Summary)
	}
}

func TestMergeLatestPrependsUnseenOnly(t *testing.T) {
	fb := newFakeBackend()
	streams := NewStreams()

	old := core.RequestRow{OccurredAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Provider: "a", TotalTokens: 10}
	fb.mu.Lock()
	fb.requests = []core.RequestRow{old}
	fb.mu.Unlock()
	if _, err := streams.MergeLatestRequests(context.Background(), fb, 100); err != nil {
		t.Fatalf("MergeLatestRequests: %v", err)
	}

	fresh := core.RequestRow{OccurredAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Provider: "a", TotalTokens: 20}
	fb.mu.Lock()
	fb.requests = []core.RequestRow{fresh, old}
	fb.mu.Unlock()

	added, err := streams.MergeLatestRequests(context.Background(), fb, 100)
	if err != nil {
		t.Fatalf("MergeLatestRequests: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new row, got %d", added)
	}

	rows := streams.Requests()
	if len(rows) != 2 {
		t.Fatalf("merge must never truncate, got %d rows", len(rows))
	}
	if !rows[0].OccurredAt.Equal(fresh.OccurredAt) {
		t.Fatal("new rows are prepended")
	}
}

func TestEditDraftPerRequestAutoSaves(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb)

	e.EditDraft("prov-a", pricing.Draft{Mode: core.ModePerRequest, AmountText: "0.02", Currency: "USD"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fb.mu.Lock()
		var wrote string
		if len(fb.manualSet) > 0 {
			wrote = fb.manualSet[0]
		}
		fb.mu.Unlock()
		if wrote != "" {
			if wrote != "prov-a|per_request" {
				t.Fatalf("unexpected write %q", wrote)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("per-request draft never auto-saved")
}

func TestEditDraftPackageTotalWaitsForConfirmation(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb)

	e.EditDraft("prov-a", pricing.Draft{Mode: core.ModePackageTotal, AmountText: "30", Currency: "USD"})
	time.Sleep(60 * time.Millisecond)

	fb.mu.Lock()
	writes := len(fb.manualSet)
	fb.mu.Unlock()
	if writes != 0 {
		t.Fatal("package-total drafts must not silently auto-commit")
	}

	if !e.ConfirmPackageSave("prov-a") {
		t.Fatal("expected a parked package save")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Reconciler().StateFor("prov-a") == autosave.StateSaved {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("confirmed package save never completed")
}

func TestEditDraftInvalidAmountLandsInInvalid(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb)

	e.EditDraft("prov-a", pricing.Draft{Mode: core.ModePerRequest, AmountText: "nonsense", Currency: "USD"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Reconciler().StateFor("prov-a") == autosave.StateInvalid {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected invalid state, got %q", e.Reconciler().StateFor("prov-a"))
}

func TestEditHistoryNoOpSkipsPersistence(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb)

	entry := core.HistoryEntry{Provider: "prov-a", Day: "2026-03-02", TrackedTotalUSD: 10, EffectiveTotalUSD: 15}
	if err := e.EditHistoryEffective(context.Background(), entry, "15"); err != nil {
		t.Fatalf("EditHistoryEffective: %v", err)
	}
	if len(fb.historySet) != 0 {
		t.Fatal("no-op edit must not call the backend")
	}

	if err := e.EditHistoryEffective(context.Background(), entry, "18"); err != nil {
		t.Fatalf("EditHistoryEffective: %v", err)
	}
	if len(fb.historySet) != 1 || fb.historySet[0] != "prov-a|2026-03-02|total" {
		t.Fatalf("unexpected history writes %v", fb.historySet)
	}
}
