// Package selector ranks and filters same-day buy candidates under sector
// and position-count caps.
package selector

import (
	"errors"
	"math"
	"sort"

	"equity-sim-lab/internal/domain"
)

// Strategy names a ranking strategy.
type Strategy string

// Ranking strategies.
const (
	// StrategyNone preserves input order (FIFO).
	StrategyNone Strategy = "none"

	// Score strategies sort by score descending; ties are broken by ATR%
	// preference.
	StrategyScoreSectorLowATR      Strategy = "score_sector_low_atr"
	StrategyScoreSectorHighATR     Strategy = "score_sector_high_atr"
	StrategyScoreSectorModerateATR Strategy = "score_sector_moderate_atr"
)

// ErrUnknownStrategy is returned for an unrecognized strategy name.
var ErrUnknownStrategy = errors.New("unknown portfolio strategy")

// FromName resolves a strategy name. Empty resolves to StrategyNone.
func FromName(name string) (Strategy, error) {
	switch Strategy(name) {
	case "", StrategyNone:
		return StrategyNone, nil
	case StrategyScoreSectorLowATR:
		return StrategyScoreSectorLowATR, nil
	case StrategyScoreSectorHighATR:
		return StrategyScoreSectorHighATR, nil
	case StrategyScoreSectorModerateATR:
		return StrategyScoreSectorModerateATR, nil
	default:
		return "", ErrUnknownStrategy
	}
}

// Rank orders signals per the strategy. FIFO returns the input order
// unchanged. Score strategies sort by score descending with ATR%-based tie
// breaking; a signal with unknown ATR sorts after all signals with known ATR
// regardless of strategy. The sort is stable, so exact ties keep input order.
func Rank(strategy Strategy, signals []*domain.QualifyingSignal) []*domain.QualifyingSignal {
	ranked := append([]*domain.QualifyingSignal(nil), signals...)
	if strategy == StrategyNone {
		return ranked
	}

	// Tie-break distance depends on the ATR preference. For "moderate" the
	// reference is the median of the known ATRs in this batch.
	distance := atrDistance(strategy, ranked)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Unknown ATR loses to known ATR.
		if (a.ATRPct == nil) != (b.ATRPct == nil) {
			return a.ATRPct != nil
		}
		if a.ATRPct == nil {
			return false
		}
		return distance(*a.ATRPct) < distance(*b.ATRPct)
	})

	return ranked
}

// atrDistance returns the tie-break distance function for the strategy.
func atrDistance(strategy Strategy, signals []*domain.QualifyingSignal) func(float64) float64 {
	switch strategy {
	case StrategyScoreSectorLowATR:
		return func(atr float64) float64 { return atr }
	case StrategyScoreSectorHighATR:
		return func(atr float64) float64 { return -atr }
	default: // moderate
		median := medianKnownATR(signals)
		return func(atr float64) float64 { return math.Abs(atr - median) }
	}
}

// medianKnownATR computes the median over signals with a known ATR,
// excluding unknown values. Returns 0 when none are known.
func medianKnownATR(signals []*domain.QualifyingSignal) float64 {
	var known []float64
	for _, sig := range signals {
		if sig.ATRPct != nil {
			known = append(known, *sig.ATRPct)
		}
	}
	if len(known) == 0 {
		return 0
	}

	sort.Float64s(known)
	mid := len(known) / 2
	if len(known)%2 == 1 {
		return known[mid]
	}
	return (known[mid-1] + known[mid]) / 2
}

// Select walks ranked signals in order, accepting each iff its sector count
// (existing open + accepted so far) stays strictly below maxPerSector and the
// total open count (existing + accepted so far) stays strictly below
// maxOpenPositions. A nil cap disables its check. Signals with unknown sector
// each form their own bucket, so "unknown sector" alone can never hit the
// sector cap. Output preserves rank order.
func Select(
	ranked []*domain.QualifyingSignal,
	existingSectorCounts map[string]int,
	currentOpenCount int,
	maxPerSector, maxOpenPositions *int,
) []*domain.QualifyingSignal {
	sectorCounts := make(map[string]int, len(existingSectorCounts))
	for sector, n := range existingSectorCounts {
		sectorCounts[sector] = n
	}

	accepted := make([]*domain.QualifyingSignal, 0, len(ranked))
	total := currentOpenCount

	for _, sig := range ranked {
		if maxOpenPositions != nil && total >= *maxOpenPositions {
			continue
		}
		if maxPerSector != nil && sig.Sector != nil && sectorCounts[*sig.Sector] >= *maxPerSector {
			continue
		}

		accepted = append(accepted, sig)
		total++
		if sig.Sector != nil {
			sectorCounts[*sig.Sector]++
		}
	}

	return accepted
}
