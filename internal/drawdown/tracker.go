// Package drawdown tracks peak equity and maximum drawdown incrementally.
package drawdown

import (
	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Tracker holds the running peak/max-drawdown state for one simulation.
// MaxDrawdownPct is monotonically non-decreasing for the life of the run: a
// later all-time high never shrinks the recorded maximum.
type Tracker struct {
	peak  decimal.Decimal
	maxDD decimal.Decimal
}

// New seeds a tracker with the simulation's initial capital as the first
// peak and zero drawdown.
func New(initialCapital decimal.Decimal) *Tracker {
	return &Tracker{peak: initialCapital}
}

// Observe feeds one end-of-day equity value through the recurrence.
func (t *Tracker) Observe(equity decimal.Decimal) {
	if equity.GreaterThan(t.peak) {
		t.peak = equity
	}
	if t.peak.IsPositive() {
		dd := t.peak.Sub(equity).Div(t.peak).Mul(hundred)
		if dd.GreaterThan(t.maxDD) {
			t.maxDD = dd
		}
	}
}

// Peak returns the highest equity observed so far.
func (t *Tracker) Peak() decimal.Decimal {
	return t.peak
}

// MaxDrawdownPct returns the maximum percentage decline from a peak.
func (t *Tracker) MaxDrawdownPct() decimal.Decimal {
	return t.maxDD
}

// Replay reconstructs tracker state from persisted snapshots by feeding every
// total_equity through the same recurrence in day order. Snapshots must be
// ordered by day_number ASC, as SnapshotStore.GetBySimulation returns them.
func Replay(initialCapital decimal.Decimal, snapshots []*domain.Snapshot) *Tracker {
	t := New(initialCapital)
	for _, snap := range snapshots {
		t.Observe(snap.TotalEquity)
	}
	return t
}
