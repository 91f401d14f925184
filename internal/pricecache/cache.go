// Package pricecache holds all OHLCV bars a simulation needs in memory, so
// day-stepping never touches an external data source.
package pricecache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/marketdata"
)

// lookbackBufferDays pads the lookback window so policies always have a full
// history even when the extra days land on weekends or holidays.
const lookbackBufferDays = 30

// Cache is a per-simulation in-memory bar store. It is not safe for
// concurrent use; each simulation steps on a single goroutine.
type Cache struct {
	loaded bool
	bars   map[string][]*domain.PriceBar          // ascending by date
	byDate map[string]map[time.Time]*domain.PriceBar
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		bars:   make(map[string][]*domain.PriceBar),
		byDate: make(map[string]map[time.Time]*domain.PriceBar),
	}
}

// Loaded reports whether Load has already populated the cache.
func (c *Cache) Loaded() bool {
	return c.loaded
}

// Load fetches all bars for the symbols, including a lookback+buffer window
// before start, once. A second call is a no-op; resume relies on this to
// rebuild the cache lazily exactly once.
func (c *Cache) Load(ctx context.Context, provider marketdata.Provider, symbols []string, start, end time.Time, lookbackDays int) error {
	if c.loaded {
		return nil
	}

	fetchStart := domain.Day(start).AddDate(0, 0, -(lookbackDays + lookbackBufferDays))
	fetchEnd := domain.Day(end)

	for _, symbol := range symbols {
		bars, err := provider.GetPriceData(ctx, symbol, fetchStart, fetchEnd, marketdata.IntervalDaily)
		if err != nil {
			return fmt.Errorf("load price data for %s: %w", symbol, err)
		}

		index := make(map[time.Time]*domain.PriceBar, len(bars))
		for _, bar := range bars {
			index[bar.Date] = bar
		}

		c.bars[symbol] = bars
		c.byDate[symbol] = index
	}

	c.loaded = true
	return nil
}

// History returns bars for symbol with date in [start, end], inclusive.
func (c *Cache) History(symbol string, start, end time.Time) []*domain.PriceBar {
	var result []*domain.PriceBar
	for _, bar := range c.bars[symbol] {
		if bar.Date.Before(start) {
			continue
		}
		if bar.Date.After(end) {
			break
		}
		result = append(result, bar)
	}
	return result
}

// Bar returns the exact-date bar for symbol, nil if the symbol did not trade
// that day.
func (c *Cache) Bar(symbol string, date time.Time) *domain.PriceBar {
	return c.byDate[symbol][domain.Day(date)]
}

// BarAtOrBefore returns the most recent bar for symbol dated at or before
// date, nil if none exists. Valuation uses this when a symbol has no bar on
// a union trading day.
func (c *Cache) BarAtOrBefore(symbol string, date time.Time) *domain.PriceBar {
	target := domain.Day(date)
	bars := c.bars[symbol]
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Date.After(target) {
			return bars[i]
		}
	}
	return nil
}

// TradingDays returns the sorted set of distinct bar dates across all
// symbols within [start, end]. This union, not a calendar, defines the step
// sequence, so holidays and per-symbol gaps need no special handling.
func (c *Cache) TradingDays(start, end time.Time) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, bars := range c.bars {
		for _, bar := range bars {
			if bar.Date.Before(start) || bar.Date.After(end) {
				continue
			}
			seen[bar.Date] = struct{}{}
		}
	}

	days := make([]time.Time, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	return days
}
