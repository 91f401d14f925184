package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a decision-policy verdict for one symbol on one day.
type Action string

// Action constants.
const (
	ActionBuy      Action = "BUY"
	ActionHold     Action = "HOLD"
	ActionNoSignal Action = "NO_SIGNAL"
	ActionNoData   Action = "NO_DATA"
)

// DecisionRecord logs one policy decision inside a snapshot. Selected is set
// only for BUY actions and records whether the portfolio selector accepted
// the signal.
type DecisionRecord struct {
	Symbol    string  `json:"symbol"`
	Action    Action  `json:"action"`
	Score     *int    `json:"score,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
	Selected  *bool   `json:"selected,omitempty"`
}

// Snapshot is the immutable end-of-day account record, one per
// (simulation, day_number). Invariant: TotalEquity == Cash + PositionsValue.
type Snapshot struct {
	SimulationID string
	DayNumber    int
	Date         time.Time

	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	TotalEquity    decimal.Decimal

	DailyPnL            decimal.Decimal
	DailyReturnPct      decimal.Decimal
	CumulativeReturnPct decimal.Decimal

	OpenPositionCount int

	Decisions []DecisionRecord
}
