package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar is one daily OHLCV record for a symbol. Immutable once loaded.
type PriceBar struct {
	Symbol string
	Date   time.Time // normalized to UTC midnight

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Day normalizes t to its UTC calendar date. All bar dates and trading days
// are keyed on this form.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
