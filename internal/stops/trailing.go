// Package stops implements the ratcheting trailing-stop rule as pure
// functions over decimal prices.
package stops

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// State is the trailing-stop state carried by an open position.
type State struct {
	Highest decimal.Decimal
	Stop    decimal.Decimal
}

// Update is the outcome of advancing the stop across one bar.
type Update struct {
	State

	// Triggered reports whether the bar's low touched the stop that was in
	// force before this bar, i.e. the position must close.
	Triggered bool

	// TriggerPrice is that prior stop level.
	TriggerPrice decimal.Decimal
}

// stopFor computes highest * (1 - trailPct/100).
func stopFor(highest, trailPct decimal.Decimal) decimal.Decimal {
	return highest.Mul(decimal.NewFromInt(1).Sub(trailPct.Div(hundred)))
}

// Initial seeds the stop state at fill time: highest = entry price, stop a
// trailPct percent below it.
func Initial(entryPrice, trailPct decimal.Decimal) State {
	return State{
		Highest: entryPrice,
		Stop:    stopFor(entryPrice, trailPct),
	}
}

// Advance updates the stop across one bar. The trigger check uses the stop in
// force before this bar, not the just-recomputed one, and the stop itself
// only moves when a new high is made. It never decreases.
func Advance(high, low decimal.Decimal, prev State, trailPct decimal.Decimal) Update {
	out := Update{
		State:        prev,
		Triggered:    low.LessThanOrEqual(prev.Stop),
		TriggerPrice: prev.Stop,
	}

	if high.GreaterThan(prev.Highest) {
		out.Highest = high
		out.Stop = stopFor(high, trailPct)
	}

	return out
}

// ExitFill returns the fill price for a triggered stop on a bar that opened
// at open. A gap-down open can never fill better than the stop, and never
// better than the market open itself: min(triggerPrice, open).
func ExitFill(triggerPrice, open decimal.Decimal) decimal.Decimal {
	return decimal.Min(triggerPrice, open)
}
