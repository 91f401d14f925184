// Package engine orchestrates day-by-day simulation runs: position
// lifecycle, cash accounting, trailing stops, portfolio selection, drawdown
// tracking and crash-safe resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/agent"
	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/drawdown"
	"equity-sim-lab/internal/marketdata"
	"equity-sim-lab/internal/observability"
	"equity-sim-lab/internal/pricecache"
	"equity-sim-lab/internal/selector"
	"equity-sim-lab/internal/storage"
)

// Engine errors.
var (
	ErrSimulationTerminal  = errors.New("simulation is in a terminal state")
	ErrNotRunning          = errors.New("simulation is not running")
	ErrNoTradingDays       = errors.New("date range contains no trading days")
	ErrAccountingInvariant = errors.New("accounting invariant violated")
)

// Options contains configuration for creating an Engine.
type Options struct {
	Store         storage.Store
	PriceProvider marketdata.Provider

	// Sectors and ATRs feed the score-based selector strategies. Either may
	// be nil; lookups then resolve to unknown.
	Sectors marketdata.SectorLookup
	ATRs    marketdata.ATRLookup

	// Metrics is optional.
	Metrics *observability.Metrics
}

// Engine runs simulations. Per-simulation state is keyed by simulation id
// and never shared across ids; separate simulations may run concurrently,
// but calls for one simulation id must be sequential — day N depends on day
// N-1's committed state.
type Engine struct {
	store    storage.Store
	provider marketdata.Provider
	sectors  marketdata.SectorLookup
	atrs     marketdata.ATRLookup
	metrics  *observability.Metrics

	mu     sync.Mutex
	states map[string]*simState
}

// simState is the transient per-simulation working set. Everything in it is
// rebuilt from durable records on resume; nothing here is trusted across a
// restart.
type simState struct {
	agent    agent.Agent
	lookback int
	strategy selector.Strategy

	prices      *pricecache.Cache
	tradingDays []time.Time
	tracker     *drawdown.Tracker

	cash       decimal.Decimal
	prevEquity decimal.Decimal
	positions  []*domain.Position // OPEN and PENDING only
}

// New creates an engine.
func New(opts Options) *Engine {
	return &Engine{
		store:    opts.Store,
		provider: opts.PriceProvider,
		sectors:  opts.Sectors,
		atrs:     opts.ATRs,
		metrics:  opts.Metrics,
		states:   make(map[string]*simState),
	}
}

// Initialize prepares a simulation for stepping: resolves the policy and its
// lookback, loads the price cache, computes the trading-day sequence and
// moves the simulation to RUNNING. Calling it on an already-initialized
// simulation only rebuilds transient state; total_days and status are left
// unchanged. Terminal simulations are rejected.
func (e *Engine) Initialize(ctx context.Context, simulationID string) (*domain.Simulation, error) {
	sim, err := e.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrSimulationTerminal, sim.Status)
	}

	if _, err := e.ensureState(ctx, sim); err != nil {
		return nil, err
	}

	if !sim.Initialized() {
		e.mu.Lock()
		days := len(e.states[sim.SimulationID].tradingDays)
		e.mu.Unlock()

		sim.TotalDays = days
		if sim.Status != domain.StatusRunning {
			if err := sim.TransitionTo(domain.StatusRunning); err != nil {
				return nil, err
			}
		}
		if err := e.store.UpdateSimulation(ctx, sim); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.SimulationsStarted.Inc()
		}
	}

	return sim, nil
}

// RunToCompletion steps the simulation until it completes.
func (e *Engine) RunToCompletion(ctx context.Context, simulationID string) error {
	for {
		snap, err := e.StepDay(ctx, simulationID)
		if err != nil {
			return err
		}
		if snap == nil {
			return nil
		}
	}
}

// ClearCache drops all in-memory state for a simulation id. Durable records
// are untouched; the next call rebuilds lazily.
func (e *Engine) ClearCache(simulationID string) {
	e.mu.Lock()
	delete(e.states, simulationID)
	if e.metrics != nil {
		e.metrics.ActiveSimulations.Set(float64(len(e.states)))
	}
	e.mu.Unlock()
}

// ensureState returns the simulation's working set, rebuilding it from
// durable records if this engine instance has none (fresh start or resume
// after restart).
func (e *Engine) ensureState(ctx context.Context, sim *domain.Simulation) (*simState, error) {
	e.mu.Lock()
	st, ok := e.states[sim.SimulationID]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err := e.buildState(ctx, sim)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.states[sim.SimulationID] = st
	if e.metrics != nil {
		e.metrics.ActiveSimulations.Set(float64(len(e.states)))
	}
	e.mu.Unlock()

	return st, nil
}

// buildState loads the price cache and reconstructs ledger and drawdown
// state from the store. The latest snapshot supplies cash, active positions
// supply the ledger, and the full snapshot history replays the drawdown
// recurrence seeded at initial capital.
func (e *Engine) buildState(ctx context.Context, sim *domain.Simulation) (*simState, error) {
	policy, err := agent.New(sim.Agent)
	if err != nil {
		return nil, err
	}
	strategy, err := selector.FromName(sim.Agent.PortfolioStrategy)
	if err != nil {
		return nil, err
	}

	lookback := policy.RequiredLookbackDays()

	prices := pricecache.New()
	if err := prices.Load(ctx, e.provider, sim.Symbols, sim.StartDate, sim.EndDate, lookback); err != nil {
		return nil, err
	}

	tradingDays := prices.TradingDays(domain.Day(sim.StartDate), domain.Day(sim.EndDate))
	if len(tradingDays) == 0 {
		return nil, ErrNoTradingDays
	}

	snapshots, err := e.store.GetSnapshots(ctx, sim.SimulationID)
	if err != nil {
		return nil, err
	}

	cash := sim.InitialCapital
	prevEquity := sim.InitialCapital
	if len(snapshots) > 0 {
		latest := snapshots[len(snapshots)-1]
		cash = latest.Cash
		prevEquity = latest.TotalEquity
	}

	positions, err := e.store.GetActivePositions(ctx, sim.SimulationID)
	if err != nil {
		return nil, err
	}

	return &simState{
		agent:       policy,
		lookback:    lookback,
		strategy:    strategy,
		prices:      prices,
		tradingDays: tradingDays,
		tracker:     drawdown.Replay(sim.InitialCapital, snapshots),
		cash:        cash,
		prevEquity:  prevEquity,
		positions:   positions,
	}, nil
}

// fail records a fatal defect: the simulation moves to FAILED and the error
// is surfaced. The in-memory state is dropped so any later attempt rebuilds
// from the last committed day.
func (e *Engine) fail(ctx context.Context, sim *domain.Simulation, cause error) error {
	e.ClearCache(sim.SimulationID)
	if e.metrics != nil {
		e.metrics.SimulationsFailed.Inc()
	}
	if err := sim.TransitionTo(domain.StatusFailed); err == nil {
		if uerr := e.store.UpdateSimulation(ctx, sim); uerr != nil {
			return fmt.Errorf("%w (and failed to persist FAILED status: %v)", cause, uerr)
		}
	}
	return cause
}
