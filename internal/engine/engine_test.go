package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equity-sim-lab/internal/agent"
	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/marketdata/stub"
	"equity-sim-lab/internal/storage/memory"
)

// scriptedFn lets each test drive the decision policy. Tests in this package
// do not run in parallel.
var scriptedFn func(symbol string, day time.Time, holding bool) (*agent.Decision, error)

type scriptedAgent struct{}

func (scriptedAgent) RequiredLookbackDays() int { return 3 }

func (scriptedAgent) Evaluate(_ context.Context, symbol string, _ []*domain.PriceBar, current *domain.PriceBar, holding bool) (*agent.Decision, error) {
	if scriptedFn == nil {
		return &agent.Decision{Action: domain.ActionNoSignal}, nil
	}
	return scriptedFn(symbol, current.Date, holding)
}

func init() {
	agent.Register("scripted", func(domain.AgentConfig) (agent.Agent, error) {
		return scriptedAgent{}, nil
	})
}

func noSignals() {
	scriptedFn = func(string, time.Time, bool) (*agent.Decision, error) {
		return &agent.Decision{Action: domain.ActionNoSignal, Reasoning: "sitting out"}, nil
	}
}

func buyOn(buyDay time.Time, score int) {
	scriptedFn = func(_ string, day time.Time, holding bool) (*agent.Decision, error) {
		if holding {
			return &agent.Decision{Action: domain.ActionHold}, nil
		}
		if day.Equal(buyDay) {
			s := score
			return &agent.Decision{Action: domain.ActionBuy, Score: &s, Reasoning: "scripted buy"}, nil
		}
		return &agent.Decision{Action: domain.ActionNoSignal}, nil
	}
}

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func ohlc(symbol string, date time.Time, o, h, l, c float64) *domain.PriceBar {
	return &domain.PriceBar{
		Symbol: symbol,
		Date:   date,
		Open:   dec(o),
		High:   dec(h),
		Low:    dec(l),
		Close:  dec(c),
		Volume: 1000,
	}
}

// flatBars yields n identical 100/100/100/100 bars starting at day(0).
func flatBars(symbol string, n int) []*domain.PriceBar {
	bars := make([]*domain.PriceBar, n)
	for i := range bars {
		bars[i] = ohlc(symbol, day(i), 100, 100, 100, 100)
	}
	return bars
}

type fixture struct {
	store  *memory.Store
	engine *Engine
	sim    *domain.Simulation
}

func newFixture(t *testing.T, bars []*domain.PriceBar, sim *domain.Simulation, lookups *stub.Lookups) *fixture {
	t.Helper()

	store := memory.NewStore()
	require.NoError(t, store.InsertSimulation(context.Background(), sim))

	opts := Options{
		Store:         store,
		PriceProvider: stub.NewProvider(bars),
	}
	if lookups != nil {
		opts.Sectors = lookups
		opts.ATRs = lookups
	}

	return &fixture{store: store, engine: New(opts), sim: sim}
}

func testSim(symbols []string, start, end time.Time, agentCfg domain.AgentConfig) *domain.Simulation {
	return &domain.Simulation{
		SimulationID:   "sim-test",
		Symbols:        symbols,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: decimal.NewFromInt(10000),
		PositionSize:   decimal.NewFromInt(1000),
		Agent:          agentCfg.Normalized(),
		Status:         domain.StatusPending,
	}
}

func scriptedCfg() domain.AgentConfig {
	return domain.AgentConfig{AgentType: "scripted"}
}

func TestInitialize_Idempotent(t *testing.T) {
	noSignals()
	f := newFixture(t, flatBars("AAPL", 3), testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	sim, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 3, sim.TotalDays)
	assert.Equal(t, domain.StatusRunning, sim.Status)

	again, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 3, again.TotalDays)
	assert.Equal(t, domain.StatusRunning, again.Status)
	assert.Equal(t, 0, again.CurrentDay)
}

func TestInitialize_RejectsTerminal(t *testing.T) {
	noSignals()
	sim := testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg())
	sim.Status = domain.StatusCancelled
	f := newFixture(t, flatBars("AAPL", 3), sim, nil)

	_, err := f.engine.Initialize(context.Background(), "sim-test")
	assert.True(t, errors.Is(err, ErrSimulationTerminal))
}

func TestInitialize_NoTradingDays(t *testing.T) {
	noSignals()
	// Bars exist only before the simulated window.
	bars := []*domain.PriceBar{ohlc("AAPL", day(0).AddDate(0, 0, -10), 100, 100, 100, 100)}
	f := newFixture(t, bars, testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)

	_, err := f.engine.Initialize(context.Background(), "sim-test")
	assert.True(t, errors.Is(err, ErrNoTradingDays))

	// Validation errors mutate nothing.
	sim, err := f.store.GetSimulation(context.Background(), "sim-test")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sim.Status)
	assert.Equal(t, 0, sim.TotalDays)
}

func TestStepDay_FailsWhenNotRunning(t *testing.T) {
	noSignals()
	f := newFixture(t, flatBars("AAPL", 3), testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)

	_, err := f.engine.StepDay(context.Background(), "sim-test")
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestStepDay_ExternalCancellation(t *testing.T) {
	noSignals()
	f := newFixture(t, flatBars("AAPL", 3), testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	sim, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)

	_, err = f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)

	// A collaborator cancels between days.
	require.NoError(t, sim.TransitionTo(domain.StatusCancelled))
	require.NoError(t, f.store.UpdateSimulation(ctx, sim))

	_, err = f.engine.StepDay(ctx, "sim-test")
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestEndToEnd_NoSignalPolicy(t *testing.T) {
	// 3 days, one symbol, no signals: no trades, equity pinned at the
	// initial capital, zero drawdown.
	noSignals()
	f := newFixture(t, flatBars("AAPL", 3), testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	sim, err := f.store.GetSimulation(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sim.Status)
	assert.Equal(t, 0, sim.TotalTrades)
	require.NotNil(t, sim.FinalEquity)
	assert.True(t, sim.FinalEquity.Equal(dec(10000)), "final equity = %s", sim.FinalEquity)
	require.NotNil(t, sim.MaxDrawdownPct)
	assert.True(t, sim.MaxDrawdownPct.IsZero(), "max dd = %s", sim.MaxDrawdownPct)

	snaps, err := f.store.GetSnapshots(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, snap := range snaps {
		assert.True(t, snap.Cash.Equal(dec(10000)), "day %d cash = %s", snap.DayNumber, snap.Cash)
		assert.True(t, snap.TotalEquity.Equal(snap.Cash.Add(snap.PositionsValue)))
		assert.Equal(t, 0, snap.OpenPositionCount)
	}
}

func TestLifecycle_GapDownExit(t *testing.T) {
	// Signal on day 0, fill day 1 at open 100 (stop 95). Day 2 gaps to an
	// open of 90 with low 88: the position closes at 90, not at 95.
	bars := []*domain.PriceBar{
		ohlc("AAPL", day(0), 100, 100, 99, 100),
		ohlc("AAPL", day(1), 100, 100, 99, 100),
		ohlc("AAPL", day(2), 90, 90, 88, 89),
	}
	buyOn(day(0), 80)
	f := newFixture(t, bars, testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)

	// Day 1: signal recorded, position pending.
	snap, err := f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.OpenPositionCount)
	require.Len(t, snap.Decisions, 1)
	assert.Equal(t, domain.ActionBuy, snap.Decisions[0].Action)
	require.NotNil(t, snap.Decisions[0].Selected)
	assert.True(t, *snap.Decisions[0].Selected)

	// Day 2: fills at 100, 10 shares, cash 9000.
	snap, err = f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.OpenPositionCount)
	assert.True(t, snap.Cash.Equal(dec(9000)), "cash = %s", snap.Cash)
	assert.True(t, snap.PositionsValue.Equal(dec(1000)), "positions = %s", snap.PositionsValue)

	// Day 3: gap-down exit at the open.
	snap, err = f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.OpenPositionCount)
	assert.True(t, snap.Cash.Equal(dec(9900)), "cash = %s", snap.Cash)

	positions, err := f.store.GetPositionsBySimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.Equal(t, domain.ExitReasonTrailingStop, p.ExitReason)
	require.NotNil(t, p.ExitPrice)
	assert.True(t, p.ExitPrice.Equal(dec(90)), "exit = %s", p.ExitPrice)
	require.NotNil(t, p.RealizedPnL)
	assert.True(t, p.RealizedPnL.Equal(dec(-100)), "pnl = %s", p.RealizedPnL)

	sim, err := f.store.GetSimulation(ctx, "sim-test")
	require.NoError(t, err)
	assert.Equal(t, 1, sim.TotalTrades)
	assert.Equal(t, 0, sim.WinningTrades)
}

func TestFill_CancelWhenPriceExceedsPositionSize(t *testing.T) {
	bars := []*domain.PriceBar{
		ohlc("BRK", day(0), 2000, 2000, 1990, 2000),
		ohlc("BRK", day(1), 2000, 2000, 1990, 2000),
		ohlc("BRK", day(2), 2000, 2000, 1990, 2000),
	}
	buyOn(day(0), 80)
	f := newFixture(t, bars, testSim([]string{"BRK"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	positions, err := f.store.GetPositionsBySimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionClosed, positions[0].Status)
	assert.Equal(t, domain.ExitReasonPositionTooSmall, positions[0].ExitReason)
	assert.Nil(t, positions[0].EntryPrice)
}

func TestFill_CancelWhenInsufficientCash(t *testing.T) {
	bars := []*domain.PriceBar{
		ohlc("AAPL", day(0), 100, 100, 99, 100),
		ohlc("AAPL", day(1), 100, 100, 99, 100),
		ohlc("AAPL", day(2), 100, 100, 99, 100),
	}
	buyOn(day(0), 80)
	sim := testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg())
	sim.InitialCapital = decimal.NewFromInt(500) // 10 shares at 100 will not fit
	f := newFixture(t, bars, sim, nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	positions, err := f.store.GetPositionsBySimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.ExitReasonInsufficientCash, positions[0].ExitReason)

	finalSim, err := f.store.GetSimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.NotNil(t, finalSim.FinalEquity)
	assert.True(t, finalSim.FinalEquity.Equal(dec(500)))
	assert.Equal(t, 0, finalSim.TotalTrades)
}

func TestSelection_SectorCap(t *testing.T) {
	symbols := []string{"AAA", "BBB"}
	var bars []*domain.PriceBar
	for _, s := range symbols {
		bars = append(bars, flatBars(s, 3)...)
	}
	buyOn(day(0), 80)
	// Same sector, cap 1: only the first-ranked signal opens.
	maxPerSector := 1
	cfg := scriptedCfg()
	cfg.MaxPerSector = &maxPerSector
	lookups := &stub.Lookups{
		Sectors: map[string]string{"AAA": "Tech", "BBB": "Tech"},
		ATRs:    map[string]float64{"AAA": 2, "BBB": 3},
	}
	f := newFixture(t, bars, testSim(symbols, day(0), day(2), cfg), lookups)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)

	snap, err := f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)

	selectedCount := 0
	for _, d := range snap.Decisions {
		require.Equal(t, domain.ActionBuy, d.Action)
		require.NotNil(t, d.Selected)
		if *d.Selected {
			selectedCount++
		}
	}
	assert.Equal(t, 1, selectedCount)

	positions, err := f.store.GetPositionsBySimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAA", positions[0].Symbol)
}

func TestDecision_PolicyErrorIsolation(t *testing.T) {
	symbols := []string{"BAD", "GOOD"}
	var bars []*domain.PriceBar
	for _, s := range symbols {
		bars = append(bars, flatBars(s, 3)...)
	}
	scriptedFn = func(symbol string, day time.Time, holding bool) (*agent.Decision, error) {
		if symbol == "BAD" {
			return nil, fmt.Errorf("model unavailable")
		}
		if holding {
			return &agent.Decision{Action: domain.ActionHold}, nil
		}
		score := 75
		return &agent.Decision{Action: domain.ActionBuy, Score: &score}, nil
	}
	f := newFixture(t, bars, testSim(symbols, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)

	snap, err := f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, snap.Decisions, 2)

	assert.Equal(t, domain.ActionNoSignal, snap.Decisions[0].Action)
	assert.Contains(t, snap.Decisions[0].Reasoning, "policy error")

	// The failing symbol does not corrupt its neighbor.
	assert.Equal(t, domain.ActionBuy, snap.Decisions[1].Action)
	require.NotNil(t, snap.Decisions[1].Selected)
	assert.True(t, *snap.Decisions[1].Selected)
}

func TestTerminalDay_ClosesOpenPositions(t *testing.T) {
	bars := []*domain.PriceBar{
		ohlc("AAPL", day(0), 100, 100, 99, 100),
		ohlc("AAPL", day(1), 100, 105, 100, 105),
		ohlc("AAPL", day(2), 106, 108, 105, 107),
	}
	buyOn(day(0), 80)
	f := newFixture(t, bars, testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	positions, err := f.store.GetPositionsBySimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.Equal(t, domain.ExitReasonSimulationEnd, p.ExitReason)
	require.NotNil(t, p.ExitPrice)
	assert.True(t, p.ExitPrice.Equal(dec(107)), "exit = %s", p.ExitPrice)

	// Final snapshot reports everything in cash.
	snap, err := f.store.GetLatestSnapshot(ctx, "sim-test")
	require.NoError(t, err)
	assert.True(t, snap.PositionsValue.IsZero())
	assert.True(t, snap.Cash.Equal(snap.TotalEquity))

	// 10 shares: -1000 at 100, +1070 at 107.
	sim, err := f.store.GetSimulation(ctx, "sim-test")
	require.NoError(t, err)
	require.NotNil(t, sim.FinalEquity)
	assert.True(t, sim.FinalEquity.Equal(dec(10070)), "final equity = %s", sim.FinalEquity)
	assert.Equal(t, 1, sim.TotalTrades)
	assert.Equal(t, 1, sim.WinningTrades)
}

func TestStepDay_NilAfterCompletion(t *testing.T) {
	noSignals()
	f := newFixture(t, flatBars("AAPL", 3), testSim([]string{"AAPL"}, day(0), day(2), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	snap, err := f.engine.StepDay(ctx, "sim-test")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestInvariants_AcrossVolatileRun(t *testing.T) {
	// A choppy multi-symbol run: every committed snapshot must balance and
	// cash must never go negative.
	symbols := []string{"AAA", "BBB", "CCC"}
	var bars []*domain.PriceBar
	prices := [][]float64{
		{100, 120, 80, 95, 130, 60},
		{50, 45, 55, 40, 70, 35},
		{200, 210, 190, 220, 150, 205},
	}
	for si, s := range symbols {
		for i, p := range prices[si] {
			bars = append(bars, ohlc(s, day(i), p, p*1.03, p*0.96, p*1.01))
		}
	}
	scriptedFn = func(symbol string, d time.Time, holding bool) (*agent.Decision, error) {
		if holding {
			return &agent.Decision{Action: domain.ActionHold}, nil
		}
		score := 60 + int(d.Day())%30
		return &agent.Decision{Action: domain.ActionBuy, Score: &score}, nil
	}
	f := newFixture(t, bars, testSim(symbols, day(0), day(5), scriptedCfg()), nil)
	ctx := context.Background()

	_, err := f.engine.Initialize(ctx, "sim-test")
	require.NoError(t, err)
	require.NoError(t, f.engine.RunToCompletion(ctx, "sim-test"))

	snaps, err := f.store.GetSnapshots(ctx, "sim-test")
	require.NoError(t, err)
	require.Len(t, snaps, 6)
	for _, snap := range snaps {
		assert.True(t, snap.TotalEquity.Equal(snap.Cash.Add(snap.PositionsValue)),
			"day %d: equity %s != cash %s + positions %s", snap.DayNumber, snap.TotalEquity, snap.Cash, snap.PositionsValue)
		assert.False(t, snap.Cash.IsNegative(), "day %d: negative cash %s", snap.DayNumber, snap.Cash)
		assert.False(t, snap.PositionsValue.IsNegative(), "day %d: negative positions %s", snap.DayNumber, snap.PositionsValue)
	}
}
