package agent

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
)

// SMA momentum defaults.
const (
	smaShortWindow      = 10
	smaLongWindow       = 30
	defaultBuyThreshold = 70
)

func init() {
	Register("sma_momentum", func(cfg domain.AgentConfig) (Agent, error) {
		threshold := defaultBuyThreshold
		if cfg.BuyThreshold != nil {
			threshold = *cfg.BuyThreshold
		}
		return &SMAMomentum{buyThreshold: threshold}, nil
	})
}

// SMAMomentum signals BUY when the short moving average runs ahead of the
// long one by enough to clear the buy threshold. Scores map the short/long
// spread onto 0..100 around a neutral 50.
type SMAMomentum struct {
	buyThreshold int
}

// RequiredLookbackDays returns the long SMA window.
func (a *SMAMomentum) RequiredLookbackDays() int {
	return smaLongWindow
}

// Evaluate scores the symbol's momentum. Too little history is NO_SIGNAL,
// not an error.
func (a *SMAMomentum) Evaluate(_ context.Context, _ string, history []*domain.PriceBar, current *domain.PriceBar, hasOpenPosition bool) (*Decision, error) {
	closes := make([]decimal.Decimal, 0, len(history)+1)
	for _, bar := range history {
		closes = append(closes, bar.Close)
	}
	closes = append(closes, current.Close)

	if len(closes) < smaLongWindow {
		return &Decision{
			Action:    domain.ActionNoSignal,
			Reasoning: fmt.Sprintf("need %d closes, have %d", smaLongWindow, len(closes)),
		}, nil
	}

	short := sma(closes, smaShortWindow)
	long := sma(closes, smaLongWindow)

	// Spread in percent of the long average, 1% of spread = 10 score points.
	spread, _ := short.Sub(long).Div(long).Mul(decimal.NewFromInt(1000)).Float64()
	score := 50 + int(spread)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	reasoning := fmt.Sprintf("sma%d=%s sma%d=%s score=%d", smaShortWindow, short.StringFixed(2), smaLongWindow, long.StringFixed(2), score)

	if hasOpenPosition {
		return &Decision{Action: domain.ActionHold, Score: &score, Reasoning: reasoning}, nil
	}
	if score >= a.buyThreshold {
		return &Decision{Action: domain.ActionBuy, Score: &score, Reasoning: reasoning}, nil
	}
	return &Decision{Action: domain.ActionNoSignal, Score: &score, Reasoning: reasoning}, nil
}

// sma averages the last n values.
func sma(values []decimal.Decimal, n int) decimal.Decimal {
	window := values[len(values)-n:]
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

var _ Agent = (*SMAMomentum)(nil)
