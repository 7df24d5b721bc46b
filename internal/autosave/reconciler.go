package autosave

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the save-state of one unit.
type State string

const (
	StateIdle    State = "idle"
	StateSaving  State = "saving"
	StateSaved   State = "saved"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// ErrInvalid marks a validation failure inside a commit; the unit lands in
// StateInvalid instead of StateError.
var ErrInvalid = errors.New("autosave: invalid draft")

// CommitFunc persists one unit's draft.
type CommitFunc func(ctx context.Context) error

// DefaultDelay is the nominal debounce window between the last edit and
// the save attempt.
const DefaultDelay = 600 * time.Millisecond

// Reconciler debounces draft edits into persistence calls, one save-unit
// at a time. A unit is a provider, a provider group, or "schedule:rows".
type Reconciler struct {
	sched *Scheduler
	delay time.Duration

	mu        sync.Mutex
	states    map[string]State
	persisted map[string]string // last successfully persisted signature
	inflight  map[string]bool
	pending   map[string]pendingSave // package-total saves awaiting confirmation

	onState func(unit string, state State)
}

type pendingSave struct {
	signature string
	commit    CommitFunc
}

func NewReconciler(delay time.Duration) *Reconciler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Reconciler{
		sched:     NewScheduler(),
		delay:     delay,
		states:    map[string]State{},
		persisted: map[string]string{},
		inflight:  map[string]bool{},
		pending:   map[string]pendingSave{},
	}
}

// OnState registers a state-change listener, called outside the lock.
func (r *Reconciler) OnState(fn func(unit string, state State)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *Reconciler) setState(unit string, state State) {
	r.mu.Lock()
	r.states[unit] = state
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(unit, state)
	}
}

// StateFor returns the unit's current save-state.
func (r *Reconciler) StateFor(unit string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[unit]; ok {
		return s
	}
	return StateIdle
}

// MarkPersisted seeds the persisted signature for a unit, e.g. after an
// initial load.
func (r *Reconciler) MarkPersisted(unit, signature string) {
	r.mu.Lock()
	r.persisted[unit] = signature
	r.mu.Unlock()
}

// Submit records an edit. Equal signatures against the last persisted
// state short-circuit to saved without any network round-trip. Saves that
// need confirmation (package-total mode) are parked until Confirm; all
// others restart the debounce timer.
func (r *Reconciler) Submit(unit, signature string, needsConfirm bool, commit CommitFunc) {
	r.mu.Lock()
	if r.persisted[unit] == signature {
		delete(r.pending, unit)
		r.mu.Unlock()
		r.sched.Cancel(unit)
		r.setState(unit, StateSaved)
		return
	}
	if needsConfirm {
		r.pending[unit] = pendingSave{signature: signature, commit: commit}
		r.mu.Unlock()
		r.sched.Cancel(unit)
		r.setState(unit, StateIdle)
		return
	}
	delete(r.pending, unit)
	r.mu.Unlock()

	r.sched.Schedule(unit, r.delay, func() {
		r.flush(unit, signature, commit)
	})
}

// Confirm runs a parked package-total save immediately. False when nothing
// is awaiting confirmation for the unit.
func (r *Reconciler) Confirm(unit string) bool {
	r.mu.Lock()
	save, ok := r.pending[unit]
	if ok {
		delete(r.pending, unit)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.flush(unit, save.signature, save.commit)
	return true
}

// PendingConfirmation reports whether a save is parked for the unit.
func (r *Reconciler) PendingConfirmation(unit string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[unit]
	return ok
}

// Close cancels all pending debounce timers without flushing.
func (r *Reconciler) Close() {
	r.sched.CancelAll()
}

// flush runs one save. A flush arriving while another save for the same
// unit is in flight is dropped, not queued: the debounce re-triggers with
// the latest state once the in-flight save resolves.
func (r *Reconciler) flush(unit, signature string, commit CommitFunc) {
	r.mu.Lock()
	if r.inflight[unit] {
		r.mu.Unlock()
		return
	}
	r.inflight[unit] = true
	r.mu.Unlock()

	r.setState(unit, StateSaving)
	err := commit(context.Background())

	r.mu.Lock()
	delete(r.inflight, unit)
	if err == nil {
		r.persisted[unit] = signature
	}
	r.mu.Unlock()

	switch {
	case err == nil:
		r.setState(unit, StateSaved)
	case errors.Is(err, ErrInvalid):
		r.setState(unit, StateInvalid)
	default:
		// Transport errors do not corrupt the draft; the next successful
		// auto-save recovers.
		r.setState(unit, StateError)
	}
}

// Settle returns a unit to idle once the live draft matches the persisted
// state and nothing is pending for it.
func (r *Reconciler) Settle(unit, liveSignature string) {
	r.mu.Lock()
	matches := r.persisted[unit] == liveSignature
	_, parked := r.pending[unit]
	inflight := r.inflight[unit]
	r.mu.Unlock()

	if matches && !parked && !inflight && !r.sched.Pending(unit) {
		r.setState(unit, StateIdle)
	}
}
