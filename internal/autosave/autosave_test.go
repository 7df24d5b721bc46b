package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerLastEditWins(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Int32

	s.Schedule("unit", 30*time.Millisecond, func() { fired.Add(100) })
	s.Schedule("unit", 30*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("only the last scheduled task may fire, got %d", got)
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Int32
	s.Schedule("unit", 30*time.Millisecond, func() { fired.Add(1) })
	s.Cancel("unit")

	time.Sleep(90 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("cancelled task must not fire")
	}
	if s.Pending("unit") {
		t.Fatal("cancelled key must not stay pending")
	}
}

func TestSchedulerKeysAreIndependent(t *testing.T) {
	s := NewScheduler()
	var a, b atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { a.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func() { b.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("both keys should fire once, got a=%d b=%d", a.Load(), b.Load())
	}
}

func waitForState(t *testing.T, r *Reconciler, unit string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.StateFor(unit) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unit %q never reached state %q (now %q)", unit, want, r.StateFor(unit))
}

func TestSubmitEqualSignatureShortCircuits(t *testing.T) {
	r := NewReconciler(20 * time.Millisecond)
	r.MarkPersisted("prov-a", "sig-1")

	var commits atomic.Int32
	r.Submit("prov-a", "sig-1", false, func(context.Context) error {
		commits.Add(1)
		return nil
	})

	if r.StateFor("prov-a") != StateSaved {
		t.Fatalf("equal signature must land in saved immediately, got %q", r.StateFor("prov-a"))
	}
	time.Sleep(80 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatal("equal signature must not hit the network")
	}
}

func TestSubmitDebouncesAndPersists(t *testing.T) {
	r := NewReconciler(20 * time.Millisecond)

	var commits atomic.Int32
	commit := func(context.Context) error {
		commits.Add(1)
		return nil
	}
	r.Submit("prov-a", "sig-1", false, commit)
	r.Submit("prov-a", "sig-2", false, commit)
	r.Submit("prov-a", "sig-3", false, commit)

	waitForState(t, r, "prov-a", StateSaved)
	if commits.Load() != 1 {
		t.Fatalf("intermediate edits must not be written, got %d commits", commits.Load())
	}

	// The persisted signature is the last one; resubmitting it short-circuits.
	r.Submit("prov-a", "sig-3", false, commit)
	if r.StateFor("prov-a") != StateSaved || commits.Load() != 1 {
		t.Fatal("resubmitting the persisted signature must be free")
	}
}

func TestCommitSignatureComparedToPersistedNotAttempted(t *testing.T) {
	r := NewReconciler(10 * time.Millisecond)

	failed := errors.New("down")
	var commits atomic.Int32
	r.Submit("prov-a", "sig-1", false, func(context.Context) error {
		commits.Add(1)
		return failed
	})
	waitForState(t, r, "prov-a", StateError)

	// Same signature again: the last attempt failed, so it is not
	// persisted and must be retried.
	r.Submit("prov-a", "sig-1", false, func(context.Context) error {
		commits.Add(1)
		return nil
	})
	waitForState(t, r, "prov-a", StateSaved)
	if commits.Load() != 2 {
		t.Fatalf("failed signatures must not short-circuit, got %d commits", commits.Load())
	}
}

func TestInvalidCommitLandsInInvalid(t *testing.T) {
	r := NewReconciler(10 * time.Millisecond)
	r.Submit("schedule:rows", "sig-1", false, func(context.Context) error {
		return ErrInvalid
	})
	waitForState(t, r, "schedule:rows", StateInvalid)
}

func TestInFlightSaveDropsConcurrentFlush(t *testing.T) {
	r := NewReconciler(5 * time.Millisecond)

	release := make(chan struct{})
	var commits atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.flush("prov-a", "sig-1", func(context.Context) error {
			commits.Add(1)
			<-release
			return nil
		})
	}()

	waitForState(t, r, "prov-a", StateSaving)
	// A second flush while one is in flight is dropped, not queued.
	r.flush("prov-a", "sig-2", func(context.Context) error {
		commits.Add(1)
		return nil
	})
	close(release)
	wg.Wait()

	if commits.Load() != 1 {
		t.Fatalf("concurrent save must be dropped, got %d commits", commits.Load())
	}
	if r.StateFor("prov-a") != StateSaved {
		t.Fatalf("unexpected final state %q", r.StateFor("prov-a"))
	}
}

func TestPackageTotalRequiresConfirmation(t *testing.T) {
	r := NewReconciler(5 * time.Millisecond)

	var commits atomic.Int32
	r.Submit("prov-a", "sig-pkg", true, func(context.Context) error {
		commits.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatal("package-total saves must never auto-commit")
	}
	if !r.PendingConfirmation("prov-a") {
		t.Fatal("save should be parked awaiting confirmation")
	}

	if !r.Confirm("prov-a") {
		t.Fatal("Confirm should find the parked save")
	}
	waitForState(t, r, "prov-a", StateSaved)
	if commits.Load() != 1 {
		t.Fatalf("confirmed save must commit once, got %d", commits.Load())
	}
	if r.Confirm("prov-a") {
		t.Fatal("a confirmed save must not be confirmable twice")
	}
}

func TestSettleReturnsToIdle(t *testing.T) {
	r := NewReconciler(5 * time.Millisecond)
	r.Submit("prov-a", "sig-1", false, func(context.Context) error { return nil })
	waitForState(t, r, "prov-a", StateSaved)

	r.Settle("prov-a", "sig-1")
	if r.StateFor("prov-a") != StateIdle {
		t.Fatal("matching live signature must settle to idle")
	}

	r.Submit("prov-a", "sig-2", false, func(context.Context) error { return nil })
	r.Settle("prov-a", "sig-2")
	if r.StateFor("prov-a") == StateIdle && !r.sched.Pending("prov-a") {
		t.Fatal("a pending debounce must block settling")
	}
}
