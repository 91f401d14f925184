package drawdown

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"equity-sim-lab/internal/domain"
)

func dec(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

func TestTracker_NoDrawdownOnRisingEquity(t *testing.T) {
	tr := New(dec(10000))
	tr.Observe(dec(11000))
	tr.Observe(dec(12000))

	assert.True(t, tr.MaxDrawdownPct().IsZero(), "max dd = %s", tr.MaxDrawdownPct())
	assert.True(t, tr.Peak().Equal(dec(12000)))
}

func TestTracker_NewHighNeverResetsMax(t *testing.T) {
	// 10000 -> 20000 -> 10000 is a 50% drawdown; the later all-time high at
	// 25000 must not pull the recorded maximum back toward zero.
	tr := New(dec(10000))
	tr.Observe(dec(20000))
	tr.Observe(dec(10000))
	assert.True(t, tr.MaxDrawdownPct().Equal(dec(50)), "max dd = %s", tr.MaxDrawdownPct())

	tr.Observe(dec(25000))
	assert.True(t, tr.MaxDrawdownPct().GreaterThanOrEqual(dec(50)),
		"max dd shrank to %s after new high", tr.MaxDrawdownPct())
	assert.True(t, tr.Peak().Equal(dec(25000)))
}

func TestTracker_DrawdownBelowInitialCapital(t *testing.T) {
	// The initial capital seeds the peak, so a first-day loss already counts.
	tr := New(dec(10000))
	tr.Observe(dec(9000))

	assert.True(t, tr.MaxDrawdownPct().Equal(dec(10)), "max dd = %s", tr.MaxDrawdownPct())
}

func TestReplay_MatchesIncremental(t *testing.T) {
	equities := []int64{10500, 12000, 9000, 9500, 14000, 13000}

	incremental := New(dec(10000))
	snapshots := make([]*domain.Snapshot, 0, len(equities))
	for i, e := range equities {
		incremental.Observe(dec(e))
		snapshots = append(snapshots, &domain.Snapshot{
			DayNumber:   i + 1,
			TotalEquity: dec(e),
		})
	}

	replayed := Replay(dec(10000), snapshots)

	assert.True(t, replayed.Peak().Equal(incremental.Peak()))
	assert.True(t, replayed.MaxDrawdownPct().Equal(incremental.MaxDrawdownPct()),
		"replayed %s != incremental %s", replayed.MaxDrawdownPct(), incremental.MaxDrawdownPct())
}
