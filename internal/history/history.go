package history

import (
	"errors"
	"fmt"
	"math"

	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/parse"
)

// Epsilon absorbs floating rounding when comparing operator-entered money
// amounts against derived totals.
const Epsilon = 0.0005

// ErrBelowFloor rejects an effective-total edit below the cost already
// attributed for the day.
var ErrBelowFloor = errors.New("history: effective total below tracked + scheduled floor")

// ErrUnparsable rejects an edit whose text is not a positive number.
var ErrUnparsable = errors.New("history: amount is not a positive number")

// Update is the persistence outcome of one edit. The two manual fields are
// mutually exclusive: a day is billed by per-request or by total override,
// never both. NoOp means nothing changed and no write should happen.
type Update struct {
	ManualTotalUSD  *float64
	ManualUSDPerReq *float64
	ClearTotal      bool
	ClearPerReq     bool
	NoOp            bool
}

// ApplyEffectiveEdit reconciles an operator edit of a day's effective
// total. The floor is tracked + scheduled; the override stores only the
// positive delta above it.
func ApplyEffectiveEdit(entry core.HistoryEntry, text string) (Update, error) {
	requested := parse.ParseAmount(text)
	if requested == nil {
		return Update{}, fmt.Errorf("%w: %q", ErrUnparsable, text)
	}

	if math.Abs(*requested-entry.EffectiveTotalUSD) < Epsilon {
		return Update{NoOp: true}, nil
	}

	floor := entry.Floor()
	if *requested < floor-Epsilon {
		return Update{}, fmt.Errorf("%w: requested %.4f, floor %.4f", ErrBelowFloor, *requested, floor)
	}

	delta := *requested - floor
	if math.Abs(delta) < Epsilon {
		// Editing back to exactly the floor clears the override.
		return Update{ClearTotal: true, ClearPerReq: true}, nil
	}
	return Update{ManualTotalUSD: &delta, ClearPerReq: true}, nil
}

// ApplyPerReqEdit reconciles an operator edit of a day's per-request rate.
// Setting a rate clears any manual total (exclusivity).
func ApplyPerReqEdit(entry core.HistoryEntry, text string) (Update, error) {
	requested := parse.ParseAmount(text)
	if requested == nil {
		return Update{}, fmt.Errorf("%w: %q", ErrUnparsable, text)
	}

	// The displayed rate is the manual override when set, else the derived
	// effective rate; re-entering either must not pin a new override.
	displayed := entry.ManualUSDPerReq
	if displayed == nil {
		displayed = entry.EffectiveUSDPerReq
	}
	if displayed != nil && math.Abs(*requested-*displayed) < Epsilon {
		return Update{NoOp: true}, nil
	}
	return Update{ManualUSDPerReq: requested, ClearTotal: true}, nil
}
