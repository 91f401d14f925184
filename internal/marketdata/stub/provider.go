package stub

import (
	"context"
	"time"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/marketdata"
)

// Provider returns fixed in-memory bars for testing and single-run use.
// Implements marketdata.Provider.
type Provider struct {
	bars map[string][]*domain.PriceBar
}

// NewProvider creates a stub provider. Bars are grouped by symbol; each
// symbol's bars must be ascending by date.
func NewProvider(bars []*domain.PriceBar) *Provider {
	bySymbol := make(map[string][]*domain.PriceBar)
	for _, bar := range bars {
		bySymbol[bar.Symbol] = append(bySymbol[bar.Symbol], bar)
	}
	return &Provider{bars: bySymbol}
}

// GetPriceData returns bars for symbol within [start, end], ascending.
// Returns copies to prevent mutation.
func (p *Provider) GetPriceData(_ context.Context, symbol string, start, end time.Time, _ marketdata.Interval) ([]*domain.PriceBar, error) {
	var result []*domain.PriceBar
	for _, bar := range p.bars[symbol] {
		if bar.Date.Before(start) || bar.Date.After(end) {
			continue
		}
		copy := *bar
		result = append(result, &copy)
	}
	return result, nil
}

var _ marketdata.Provider = (*Provider)(nil)

// Lookups is a fixed sector/ATR table. Implements marketdata.SectorLookup
// and marketdata.ATRLookup. Symbols absent from a map resolve to unknown.
type Lookups struct {
	Sectors map[string]string
	ATRs    map[string]float64
}

// Sector resolves a symbol's sector, nil if unknown.
func (l *Lookups) Sector(symbol string) *string {
	if sector, ok := l.Sectors[symbol]; ok {
		return &sector
	}
	return nil
}

// ATRPercent resolves a symbol's ATR percent, nil if unknown.
func (l *Lookups) ATRPercent(symbol string, _ time.Time) *float64 {
	if atr, ok := l.ATRs[symbol]; ok {
		return &atr
	}
	return nil
}

var (
	_ marketdata.SectorLookup = (*Lookups)(nil)
	_ marketdata.ATRLookup    = (*Lookups)(nil)
)
