package history

import (
	"errors"
	"math"
	"testing"

	"github.com/janekbaraniewski/costlens/internal/core"
)

func entry(tracked, scheduled, effective float64) core.HistoryEntry {
	return core.HistoryEntry{
		Provider:          "prov-a",
		Day:               "2026-03-02",
		TrackedTotalUSD:   tracked,
		ScheduledTotalUSD: scheduled,
		EffectiveTotalUSD: effective,
	}
}

func TestEffectiveEditBelowFloorRejected(t *testing.T) {
	_, err := ApplyEffectiveEdit(entry(10, 0, 10), "7")
	if !errors.Is(err, ErrBelowFloor) {
		t.Fatalf("expected ErrBelowFloor, got %v", err)
	}
}

func TestEffectiveEditStoresDeltaAboveFloor(t *testing.T) {
	up, err := ApplyEffectiveEdit(entry(10, 0, 10), "15")
	if err != nil {
		t.Fatalf("ApplyEffectiveEdit: %v", err)
	}
	if up.ManualTotalUSD == nil || math.Abs(*up.ManualTotalUSD-5) > 1e-12 {
		t.Fatalf("expected manual total 5, got %+v", up)
	}
	if !up.ClearPerReq {
		t.Fatal("a total override must clear the per-request override")
	}
}

func TestEffectiveEditAtFloorClearsOverride(t *testing.T) {
	manual := 5.0
	e := entry(10, 2, 17)
	e.ManualTotalUSD = &manual

	up, err := ApplyEffectiveEdit(e, "12")
	if err != nil {
		t.Fatalf("ApplyEffectiveEdit: %v", err)
	}
	if !up.ClearTotal || up.ManualTotalUSD != nil {
		t.Fatalf("editing to exactly the floor must clear the override, got %+v", up)
	}
}

func TestEffectiveEditIdempotence(t *testing.T) {
	e := entry(10, 0, 10)
	first, err := ApplyEffectiveEdit(e, "15")
	if err != nil {
		t.Fatalf("first edit: %v", err)
	}

	// Persisting the first edit yields effective 15 with the same floor.
	applied := e
	applied.ManualTotalUSD = first.ManualTotalUSD
	applied.EffectiveTotalUSD = 15

	second, err := ApplyEffectiveEdit(applied, "15")
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if !second.NoOp {
		t.Fatal("repeating the same edit must be a no-op")
	}
}

func TestEffectiveEditWithinEpsilonIsNoOp(t *testing.T) {
	up, err := ApplyEffectiveEdit(entry(10, 0, 15), "15.0003")
	if err != nil {
		t.Fatalf("ApplyEffectiveEdit: %v", err)
	}
	if !up.NoOp {
		t.Fatal("edits within epsilon of the displayed value must be no-ops")
	}
}

func TestEffectiveEditUnparsable(t *testing.T) {
	if _, err := ApplyEffectiveEdit(entry(10, 0, 10), "abc"); !errors.Is(err, ErrUnparsable) {
		t.Fatalf("expected ErrUnparsable, got %v", err)
	}
	if _, err := ApplyEffectiveEdit(entry(10, 0, 10), "-1"); !errors.Is(err, ErrUnparsable) {
		t.Fatalf("expected ErrUnparsable for negatives, got %v", err)
	}
}

func TestPerReqEditClearsManualTotal(t *testing.T) {
	up, err := ApplyPerReqEdit(entry(10, 0, 10), "0.02")
	if err != nil {
		t.Fatalf("ApplyPerReqEdit: %v", err)
	}
	if up.ManualUSDPerReq == nil || *up.ManualUSDPerReq != 0.02 {
		t.Fatalf("expected per-request override 0.02, got %+v", up)
	}
	if !up.ClearTotal {
		t.Fatal("a per-request override must clear the manual total")
	}
}

func TestPerReqEditMatchingDerivedRateIsNoOp(t *testing.T) {
	derived := 0.02
	e := entry(10, 0, 10)
	e.EffectiveUSDPerReq = &derived

	up, err := ApplyPerReqEdit(e, "0.02")
	if err != nil {
		t.Fatalf("ApplyPerReqEdit: %v", err)
	}
	if !up.NoOp {
		t.Fatal("typing the displayed derived rate must not pin an override")
	}
}

func TestPerReqEditNoOp(t *testing.T) {
	rate := 0.02
	e := entry(10, 0, 10)
	e.ManualUSDPerReq = &rate

	up, err := ApplyPerReqEdit(e, "0.02")
	if err != nil {
		t.Fatalf("ApplyPerReqEdit: %v", err)
	}
	if !up.NoOp {
		t.Fatal("re-entering the current rate must be a no-op")
	}
}
