package pricecache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/marketdata/stub"
)

func day(yday int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, yday)
}

func bar(symbol string, date time.Time, close float64) *domain.PriceBar {
	c := decimal.NewFromFloat(close)
	return &domain.PriceBar{
		Symbol: symbol,
		Date:   date,
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Volume: 1000,
	}
}

func loadedCache(t *testing.T, bars []*domain.PriceBar, symbols []string, start, end time.Time) *Cache {
	t.Helper()
	cache := New()
	err := cache.Load(context.Background(), stub.NewProvider(bars), symbols, start, end, 0)
	require.NoError(t, err)
	return cache
}

func TestCache_TradingDaysUnion(t *testing.T) {
	// AAPL trades days 0 and 2; MSFT trades days 1 and 2. The step sequence
	// is the union of the three dates.
	bars := []*domain.PriceBar{
		bar("AAPL", day(0), 100),
		bar("AAPL", day(2), 101),
		bar("MSFT", day(1), 200),
		bar("MSFT", day(2), 201),
	}
	cache := loadedCache(t, bars, []string{"AAPL", "MSFT"}, day(0), day(2))

	days := cache.TradingDays(day(0), day(2))
	require.Len(t, days, 3)
	assert.Equal(t, day(0), days[0])
	assert.Equal(t, day(1), days[1])
	assert.Equal(t, day(2), days[2])
}

func TestCache_TradingDaysWindowed(t *testing.T) {
	bars := []*domain.PriceBar{
		bar("AAPL", day(0), 100),
		bar("AAPL", day(1), 101),
		bar("AAPL", day(5), 102),
	}
	cache := loadedCache(t, bars, []string{"AAPL"}, day(0), day(5))

	days := cache.TradingDays(day(1), day(4))
	require.Len(t, days, 1)
	assert.Equal(t, day(1), days[0])
}

func TestCache_HistoryInclusive(t *testing.T) {
	bars := []*domain.PriceBar{
		bar("AAPL", day(0), 100),
		bar("AAPL", day(1), 101),
		bar("AAPL", day(2), 102),
		bar("AAPL", day(3), 103),
	}
	cache := loadedCache(t, bars, []string{"AAPL"}, day(0), day(3))

	history := cache.History("AAPL", day(1), day(2))
	require.Len(t, history, 2)
	assert.Equal(t, day(1), history[0].Date)
	assert.Equal(t, day(2), history[1].Date)
}

func TestCache_BarExactDate(t *testing.T) {
	bars := []*domain.PriceBar{bar("AAPL", day(1), 101)}
	cache := loadedCache(t, bars, []string{"AAPL"}, day(0), day(3))

	require.NotNil(t, cache.Bar("AAPL", day(1)))
	assert.Nil(t, cache.Bar("AAPL", day(2)), "no bar on a non-trading day")
	assert.Nil(t, cache.Bar("MSFT", day(1)), "no bar for an unloaded symbol")
}

func TestCache_LoadIsIdempotent(t *testing.T) {
	first := []*domain.PriceBar{bar("AAPL", day(0), 100)}
	cache := loadedCache(t, first, []string{"AAPL"}, day(0), day(3))

	// A second load with different data must be a no-op.
	second := []*domain.PriceBar{bar("AAPL", day(1), 999)}
	err := cache.Load(context.Background(), stub.NewProvider(second), []string{"AAPL"}, day(0), day(3), 0)
	require.NoError(t, err)

	assert.NotNil(t, cache.Bar("AAPL", day(0)))
	assert.Nil(t, cache.Bar("AAPL", day(1)))
}

func TestCache_LoadIncludesLookbackBuffer(t *testing.T) {
	// A bar 35 days before the window start must be fetched when the policy
	// needs 10 lookback days (10 + 30 buffer = 40 days back).
	early := day(0).AddDate(0, 0, -35)
	bars := []*domain.PriceBar{
		bar("AAPL", early, 90),
		bar("AAPL", day(0), 100),
	}
	fresh := New()
	err := fresh.Load(context.Background(), stub.NewProvider(bars), []string{"AAPL"}, day(0), day(3), 10)
	require.NoError(t, err)

	history := fresh.History("AAPL", early, day(0))
	require.Len(t, history, 2)
}
