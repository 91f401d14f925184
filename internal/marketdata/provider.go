// Package marketdata defines the engine's data collaborators: historical
// price bars and the sector/ATR lookups used by score-based selection.
package marketdata

import (
	"context"
	"time"

	"equity-sim-lab/internal/domain"
)

// Interval is the bar resolution. Only daily bars are supported.
type Interval string

// Bar intervals.
const (
	IntervalDaily Interval = "1d"
)

// Provider supplies historical OHLCV bars.
type Provider interface {
	// GetPriceData returns bars for symbol with date in [start, end],
	// ascending by date. Gaps (weekends, holidays) are expected and
	// tolerated; an empty result is not an error.
	GetPriceData(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]*domain.PriceBar, error)
}

// SectorLookup resolves a symbol's sector. Nil means unknown.
type SectorLookup interface {
	Sector(symbol string) *string
}

// ATRLookup resolves a symbol's ATR percent as of a date. Nil means unknown.
type ATRLookup interface {
	ATRPercent(symbol string, asOf time.Time) *float64
}
