package marketdata

import (
	"context"
	"fmt"
	"time"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// StoreProvider serves price data out of a PriceBarStore. It is the provider
// used when bar history has been ingested ahead of time.
type StoreProvider struct {
	bars storage.PriceBarStore
}

// NewStoreProvider creates a provider over the given bar store.
func NewStoreProvider(bars storage.PriceBarStore) *StoreProvider {
	return &StoreProvider{bars: bars}
}

var _ Provider = (*StoreProvider)(nil)

// GetPriceData returns bars for symbol with date in [start, end], ascending.
func (p *StoreProvider) GetPriceData(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]*domain.PriceBar, error) {
	if interval != IntervalDaily {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	return p.bars.GetBySymbolRange(ctx, symbol, start, end)
}
