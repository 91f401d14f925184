package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/idhash"
	"equity-sim-lab/internal/selector"
	"equity-sim-lab/internal/stops"
	"equity-sim-lab/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// StepDay executes one full trading day and persists it as a single atomic
// unit. Returns nil once the simulation is COMPLETED and fails if it is in
// any other non-RUNNING state. A crash or commit failure leaves the day
// fully unprocessed; it is replayed from the last committed snapshot.
func (e *Engine) StepDay(ctx context.Context, simulationID string) (*domain.Snapshot, error) {
	// Status is re-read from the store every call so external cancellation
	// takes effect between days.
	sim, err := e.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == domain.StatusCompleted {
		return nil, nil
	}
	if sim.Status != domain.StatusRunning {
		return nil, fmt.Errorf("%w: status %s", ErrNotRunning, sim.Status)
	}

	st, err := e.ensureState(ctx, sim)
	if err != nil {
		return nil, err
	}
	if sim.CurrentDay >= sim.TotalDays {
		return nil, fmt.Errorf("simulation %s: current_day %d beyond total_days %d", simulationID, sim.CurrentDay, sim.TotalDays)
	}

	stepStart := time.Now()
	day := st.tradingDays[sim.CurrentDay]
	finalDay := sim.CurrentDay+1 == sim.TotalDays

	touched := make(map[string]*domain.Position)

	// 1. Fill pending orders at today's open.
	if err := e.fillPending(st, sim, day, touched); err != nil {
		return nil, e.fail(ctx, sim, err)
	}

	// 2. Advance trailing stops, closing triggered positions.
	e.manageStops(st, sim, day, touched)

	// 3-4. Solicit decisions, then rank and select BUY candidates.
	decisions, signals := e.decide(ctx, st, sim, day)
	e.selectSignals(st, sim, day, decisions, signals, touched)

	// Terminal day: everything still on the books is closed out before the
	// final snapshot, so it reports cash == total_equity.
	if finalDay {
		e.closeOut(st, sim, day, touched)
	}

	// 5. Valuation and snapshot.
	positionsValue := e.valuation(st, day)
	totalEquity := st.cash.Add(positionsValue)

	if st.cash.IsNegative() {
		return nil, e.fail(ctx, sim, fmt.Errorf("%w: negative cash %s on day %d", ErrAccountingInvariant, st.cash, sim.CurrentDay+1))
	}
	if positionsValue.IsNegative() {
		return nil, e.fail(ctx, sim, fmt.Errorf("%w: negative positions value %s on day %d", ErrAccountingInvariant, positionsValue, sim.CurrentDay+1))
	}

	dailyPnL := totalEquity.Sub(st.prevEquity)
	dailyReturn := decimal.Zero
	if st.prevEquity.IsPositive() {
		dailyReturn = dailyPnL.Div(st.prevEquity).Mul(hundred)
	}
	cumulativeReturn := totalEquity.Sub(sim.InitialCapital).Div(sim.InitialCapital).Mul(hundred)

	snapshot := &domain.Snapshot{
		SimulationID:        sim.SimulationID,
		DayNumber:           sim.CurrentDay + 1,
		Date:                day,
		Cash:                st.cash,
		PositionsValue:      positionsValue,
		TotalEquity:         totalEquity,
		DailyPnL:            dailyPnL,
		DailyReturnPct:      dailyReturn,
		CumulativeReturnPct: cumulativeReturn,
		OpenPositionCount:   st.openCount(),
		Decisions:           decisions,
	}

	// Defensive cross-check before persisting. This catches snapshot
	// construction bugs, not the arithmetic itself.
	if !snapshot.TotalEquity.Equal(snapshot.Cash.Add(snapshot.PositionsValue)) {
		return nil, e.fail(ctx, sim, fmt.Errorf("%w: snapshot equity %s != cash %s + positions %s",
			ErrAccountingInvariant, snapshot.TotalEquity, snapshot.Cash, snapshot.PositionsValue))
	}

	// 6. Bookkeeping.
	sim.CurrentDay++
	st.tracker.Observe(totalEquity)

	if finalDay {
		if err := sim.TransitionTo(domain.StatusCompleted); err != nil {
			return nil, e.fail(ctx, sim, err)
		}
		finalEquity := totalEquity
		totalReturn := cumulativeReturn
		maxDD := st.tracker.MaxDrawdownPct()
		sim.FinalEquity = &finalEquity
		sim.TotalReturnPct = &totalReturn
		sim.MaxDrawdownPct = &maxDD
	}

	// 7. Atomic persistence of the whole day.
	commit := &storage.DayCommit{
		Simulation: sim,
		Positions:  sortedTouched(touched),
		Snapshot:   snapshot,
	}
	commitStart := time.Now()
	if err := e.store.CommitDay(ctx, commit); err != nil {
		// The day is unprocessed; drop transient state so the next call
		// rebuilds from the last committed snapshot and replays it.
		e.ClearCache(sim.SimulationID)
		return nil, fmt.Errorf("commit day %d: %w", snapshot.DayNumber, err)
	}

	st.prevEquity = totalEquity
	st.pruneClosed()

	if e.metrics != nil {
		e.metrics.CommitDuration.Observe(time.Since(commitStart).Seconds())
		e.metrics.StepDuration.Observe(time.Since(stepStart).Seconds())
		e.metrics.DaysStepped.Inc()
	}

	if finalDay {
		e.ClearCache(sim.SimulationID)
		if e.metrics != nil {
			e.metrics.SimulationsCompleted.Inc()
		}
	}

	return snapshot, nil
}

// fillPending fills each PENDING position at today's open, or cancels it
// when a single share does not fit the position size or available cash.
// Symbols without a bar today stay pending until they trade again.
func (e *Engine) fillPending(st *simState, sim *domain.Simulation, day time.Time, touched map[string]*domain.Position) error {
	for _, p := range st.positions {
		if p.Status != domain.PositionPending {
			continue
		}
		bar := st.prices.Bar(p.Symbol, day)
		if bar == nil {
			continue
		}

		shares := sim.PositionSize.Div(bar.Open).IntPart()
		if shares < 1 {
			if err := p.Cancel(day, domain.ExitReasonPositionTooSmall); err != nil {
				return err
			}
			touched[p.PositionID] = p
			e.countCancel(p.ExitReason)
			continue
		}

		cost := bar.Open.Mul(decimal.NewFromInt(shares))
		if cost.GreaterThan(st.cash) {
			if err := p.Cancel(day, domain.ExitReasonInsufficientCash); err != nil {
				return err
			}
			touched[p.PositionID] = p
			e.countCancel(p.ExitReason)
			continue
		}

		initial := stops.Initial(bar.Open, p.TrailingStopPct)
		if err := p.Open(day, bar.Open, shares, initial.Highest, initial.Stop); err != nil {
			return err
		}
		st.cash = st.cash.Sub(cost)
		touched[p.PositionID] = p
		if e.metrics != nil {
			e.metrics.PositionsOpened.Inc()
		}
	}
	return nil
}

// manageStops advances every OPEN position's trailing stop across today's
// bar and closes the ones whose prior stop was touched, at the gap-aware
// exit price.
func (e *Engine) manageStops(st *simState, sim *domain.Simulation, day time.Time, touched map[string]*domain.Position) {
	for _, p := range st.positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		bar := st.prices.Bar(p.Symbol, day)
		if bar == nil {
			continue
		}

		update := stops.Advance(bar.High, bar.Low, stops.State{Highest: *p.HighestPrice, Stop: *p.CurrentStop}, p.TrailingStopPct)
		if update.Triggered {
			fill := stops.ExitFill(update.TriggerPrice, bar.Open)
			e.closePosition(st, sim, p, day, fill, domain.ExitReasonTrailingStop)
			touched[p.PositionID] = p
			continue
		}

		highest, stop := update.Highest, update.Stop
		p.HighestPrice = &highest
		p.CurrentStop = &stop
		touched[p.PositionID] = p
	}
}

// decide invokes the policy for every symbol the simulation tracks, logging
// one decision per symbol. BUY decisions on symbols without an active
// position become qualifying signals. A policy failure for one symbol is
// recorded and does not abort the others.
func (e *Engine) decide(ctx context.Context, st *simState, sim *domain.Simulation, day time.Time) ([]domain.DecisionRecord, []*domain.QualifyingSignal) {
	decisions := make([]domain.DecisionRecord, 0, len(sim.Symbols))
	var signals []*domain.QualifyingSignal

	for _, symbol := range sim.Symbols {
		bar := st.prices.Bar(symbol, day)
		if bar == nil {
			decisions = append(decisions, domain.DecisionRecord{
				Symbol:    symbol,
				Action:    domain.ActionNoData,
				Reasoning: fmt.Sprintf("no price data on %s", day.Format("2006-01-02")),
			})
			continue
		}

		holding := st.holds(symbol)
		history := st.prices.History(symbol, time.Time{}, day.AddDate(0, 0, -1))

		decision, err := st.agent.Evaluate(ctx, symbol, history, bar, holding)
		if err != nil {
			log.Printf("simulation %s: policy error for %s on %s: %v", sim.SimulationID, symbol, day.Format("2006-01-02"), err)
			decisions = append(decisions, domain.DecisionRecord{
				Symbol:    symbol,
				Action:    domain.ActionNoSignal,
				Reasoning: fmt.Sprintf("policy error: %v", err),
			})
			continue
		}

		record := domain.DecisionRecord{
			Symbol:    symbol,
			Action:    decision.Action,
			Score:     decision.Score,
			Reasoning: decision.Reasoning,
		}
		decisions = append(decisions, record)

		if decision.Action == domain.ActionBuy && !holding {
			score := 0
			if decision.Score != nil {
				score = *decision.Score
			}
			signal := &domain.QualifyingSignal{Symbol: symbol, Score: score}
			if e.sectors != nil {
				signal.Sector = e.sectors.Sector(symbol)
			}
			if e.atrs != nil {
				signal.ATRPct = e.atrs.ATRPercent(symbol, day)
			}
			signals = append(signals, signal)
		}
	}

	return decisions, signals
}

// selectSignals runs qualifying signals through the portfolio selector.
// Selected ones become PENDING positions signalled today; every BUY decision
// is annotated with the selection outcome.
func (e *Engine) selectSignals(st *simState, sim *domain.Simulation, day time.Time, decisions []domain.DecisionRecord, signals []*domain.QualifyingSignal, touched map[string]*domain.Position) {
	if len(signals) == 0 {
		return
	}

	ranked := selector.Rank(st.strategy, signals)
	accepted := selector.Select(ranked, e.openSectorCounts(st), st.openCount(), sim.Agent.MaxPerSector, sim.Agent.MaxOpenPositions)

	selected := make(map[string]bool, len(accepted))
	for _, sig := range accepted {
		selected[sig.Symbol] = true
	}

	for i := range decisions {
		if decisions[i].Action != domain.ActionBuy {
			continue
		}
		v := selected[decisions[i].Symbol]
		decisions[i].Selected = &v
	}

	for _, sig := range accepted {
		score := sig.Score
		p := &domain.Position{
			PositionID:      idhash.ComputePositionID(sim.SimulationID, sig.Symbol, day),
			SimulationID:    sim.SimulationID,
			Symbol:          sig.Symbol,
			Status:          domain.PositionPending,
			SignalDate:      day,
			TrailingStopPct: sim.Agent.TrailingStopPct,
			AgentScore:      &score,
			AgentReasoning:  reasoningFor(decisions, sig.Symbol),
		}
		st.positions = append(st.positions, p)
		touched[p.PositionID] = p
	}
}

// closeOut ends the simulation on its last day: OPEN positions close at the
// day's close price and PENDING ones, which can never fill, are cancelled.
func (e *Engine) closeOut(st *simState, sim *domain.Simulation, day time.Time, touched map[string]*domain.Position) {
	for _, p := range st.positions {
		switch p.Status {
		case domain.PositionOpen:
			// An open position always has at least its entry bar at or
			// before the terminal day.
			bar := st.prices.BarAtOrBefore(p.Symbol, day)
			e.closePosition(st, sim, p, day, bar.Close, domain.ExitReasonSimulationEnd)
			touched[p.PositionID] = p
		case domain.PositionPending:
			// Error impossible from PENDING; state checked above.
			_ = p.Cancel(day, domain.ExitReasonSimulationEnd)
			touched[p.PositionID] = p
			e.countCancel(domain.ExitReasonSimulationEnd)
		}
	}
}

// closePosition closes an OPEN position, credits the proceeds and updates
// the trade counters.
func (e *Engine) closePosition(st *simState, sim *domain.Simulation, p *domain.Position, day time.Time, price decimal.Decimal, reason domain.ExitReason) {
	// Error impossible: callers only pass OPEN positions.
	_ = p.Close(day, price, reason)

	st.cash = st.cash.Add(price.Mul(decimal.NewFromInt(p.Shares)))
	sim.TotalTrades++
	if p.RealizedPnL.IsPositive() {
		sim.WinningTrades++
	}
	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	}
}

// valuation sums shares * close over OPEN positions, using the most recent
// close for symbols without a bar today.
func (e *Engine) valuation(st *simState, day time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, p := range st.positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		if bar := st.prices.BarAtOrBefore(p.Symbol, day); bar != nil {
			total = total.Add(p.MarketValue(bar.Close))
		}
	}
	return total
}

// openSectorCounts counts OPEN positions per known sector. Unknown sectors
// are never counted; they cannot contribute to a sector cap.
func (e *Engine) openSectorCounts(st *simState) map[string]int {
	counts := make(map[string]int)
	if e.sectors == nil {
		return counts
	}
	for _, p := range st.positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		if sector := e.sectors.Sector(p.Symbol); sector != nil {
			counts[*sector]++
		}
	}
	return counts
}

func (e *Engine) countCancel(reason domain.ExitReason) {
	if e.metrics != nil {
		e.metrics.PositionsCancelled.WithLabelValues(string(reason)).Inc()
	}
}

// holds reports whether the symbol has an OPEN or PENDING position.
func (st *simState) holds(symbol string) bool {
	for _, p := range st.positions {
		if p.Symbol == symbol && p.Status != domain.PositionClosed {
			return true
		}
	}
	return false
}

// openCount counts OPEN positions.
func (st *simState) openCount() int {
	n := 0
	for _, p := range st.positions {
		if p.Status == domain.PositionOpen {
			n++
		}
	}
	return n
}

// pruneClosed drops closed positions from the working set after a commit.
func (st *simState) pruneClosed() {
	active := st.positions[:0]
	for _, p := range st.positions {
		if p.Status != domain.PositionClosed {
			active = append(active, p)
		}
	}
	st.positions = active
}

// sortedTouched orders the day's mutated positions deterministically for
// the commit.
func sortedTouched(touched map[string]*domain.Position) []*domain.Position {
	out := make([]*domain.Position, 0, len(touched))
	for _, p := range touched {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// reasoningFor finds the day's recorded reasoning for a symbol.
func reasoningFor(decisions []domain.DecisionRecord, symbol string) string {
	for _, d := range decisions {
		if d.Symbol == symbol {
			return d.Reasoning
		}
	}
	return ""
}
