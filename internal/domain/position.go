package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

// Position status constants.
const (
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
)

// positionTransitions is the allowed-transition table. PENDING -> CLOSED
// covers cancellation before fill.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionOpen, PositionClosed},
	PositionOpen:    {PositionClosed},
}

// CanTransitionTo reports whether moving to next is allowed.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExitReason explains why a position left the PENDING or OPEN state.
type ExitReason string

// Exit reason codes.
const (
	ExitReasonTrailingStop     ExitReason = "TRAILING_STOP"
	ExitReasonSimulationEnd    ExitReason = "SIMULATION_END"
	ExitReasonPositionTooSmall ExitReason = "POSITION_SIZE_TOO_SMALL"
	ExitReasonInsufficientCash ExitReason = "INSUFFICIENT_CASH"
)

// Position is one signaled trade attempt on one symbol.
type Position struct {
	PositionID   string
	SimulationID string
	Symbol       string
	Status       PositionStatus

	SignalDate time.Time

	// Set on fill.
	EntryDate  *time.Time
	EntryPrice *decimal.Decimal
	Shares     int64 // >= 1 once OPEN

	// Maintained while OPEN.
	TrailingStopPct decimal.Decimal
	HighestPrice    *decimal.Decimal
	CurrentStop     *decimal.Decimal

	// Set together on close; never partially.
	ExitDate    *time.Time
	ExitPrice   *decimal.Decimal
	ExitReason  ExitReason
	RealizedPnL *decimal.Decimal
	ReturnPct   *decimal.Decimal

	AgentScore     *int
	AgentReasoning string
}

// Open fills the position at the given price with the given share count,
// initializing the trailing stop state.
func (p *Position) Open(date time.Time, price decimal.Decimal, shares int64, highest, stop decimal.Decimal) error {
	if !p.Status.CanTransitionTo(PositionOpen) {
		return fmt.Errorf("position %s: cannot open from %s", p.PositionID, p.Status)
	}
	if shares < 1 {
		return fmt.Errorf("position %s: open with %d shares", p.PositionID, shares)
	}
	d := date
	p.Status = PositionOpen
	p.EntryDate = &d
	p.EntryPrice = &price
	p.Shares = shares
	p.HighestPrice = &highest
	p.CurrentStop = &stop
	return nil
}

// Close exits an OPEN position at the given price, recording realized P&L and
// return percentage. All exit fields are set together.
func (p *Position) Close(date time.Time, price decimal.Decimal, reason ExitReason) error {
	if p.Status != PositionOpen {
		return fmt.Errorf("position %s: cannot close from %s", p.PositionID, p.Status)
	}
	if p.EntryPrice == nil {
		return fmt.Errorf("position %s: close without entry price", p.PositionID)
	}
	d := date
	shares := decimal.NewFromInt(p.Shares)
	pnl := price.Sub(*p.EntryPrice).Mul(shares)
	ret := price.Sub(*p.EntryPrice).Div(*p.EntryPrice).Mul(decimal.NewFromInt(100))

	p.Status = PositionClosed
	p.ExitDate = &d
	p.ExitPrice = &price
	p.ExitReason = reason
	p.RealizedPnL = &pnl
	p.ReturnPct = &ret
	return nil
}

// Cancel closes a PENDING position that never filled. No money moved, so
// realized P&L and return are zero.
func (p *Position) Cancel(date time.Time, reason ExitReason) error {
	if p.Status != PositionPending {
		return fmt.Errorf("position %s: cannot cancel from %s", p.PositionID, p.Status)
	}
	d := date
	zero := decimal.Zero
	p.Status = PositionClosed
	p.ExitDate = &d
	p.ExitReason = reason
	p.RealizedPnL = &zero
	p.ReturnPct = &zero
	return nil
}

// MarketValue returns shares * price for valuation.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Shares))
}
