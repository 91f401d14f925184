package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a simulation.
type Status string

// Simulation status constants.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// ErrInvalidTransition is returned when a status change violates the
// allowed-transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// statusTransitions is the allowed-transition table. Terminal states have no
// outgoing edges; a terminal simulation can only be recreated, never revived.
var statusTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusCancelled, StatusFailed},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusFailed},
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

// CanTransitionTo reports whether moving to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AgentConfig holds the decision-policy configuration carried by a simulation.
type AgentConfig struct {
	AgentType string // registry name of the decision policy

	TrailingStopPct   decimal.Decimal // percent, e.g. 5.0
	PortfolioStrategy string          // selector strategy name, e.g. "none"

	// BuyThreshold is forwarded opaquely to the policy.
	BuyThreshold *int

	// Diversification caps. Nil disables the corresponding check.
	MaxPerSector     *int
	MaxOpenPositions *int
}

// Default configuration values applied by NormalizedAgentConfig.
const (
	DefaultTrailingStopPct   = 5.0
	DefaultPortfolioStrategy = "none"
)

// Normalized returns a copy of the config with defaults applied.
func (c AgentConfig) Normalized() AgentConfig {
	out := c
	if out.TrailingStopPct.IsZero() {
		out.TrailingStopPct = decimal.NewFromFloat(DefaultTrailingStopPct)
	}
	if out.PortfolioStrategy == "" {
		out.PortfolioStrategy = DefaultPortfolioStrategy
	}
	return out
}

// Simulation is the aggregate root for one backtest run. It owns its
// Positions and Snapshots for its lifetime.
type Simulation struct {
	SimulationID string

	Symbols   []string
	StartDate time.Time
	EndDate   time.Time

	InitialCapital decimal.Decimal
	PositionSize   decimal.Decimal
	Agent          AgentConfig

	Status     Status
	CurrentDay int // 0..TotalDays, only ever increases
	TotalDays  int // 0 until initialized

	TotalTrades   int
	WinningTrades int

	// Final metrics, set when the run completes.
	FinalEquity    *decimal.Decimal
	TotalReturnPct *decimal.Decimal
	MaxDrawdownPct *decimal.Decimal
}

// TransitionTo moves the simulation to next, enforcing the transition table.
func (s *Simulation) TransitionTo(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Initialized reports whether the trading-day range has been resolved.
func (s *Simulation) Initialized() bool {
	return s.TotalDays > 0
}

// Validate checks structural invariants of a simulation definition.
func (s *Simulation) Validate() error {
	if s.SimulationID == "" {
		return errors.New("simulation_id is required")
	}
	if len(s.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if s.EndDate.Before(s.StartDate) {
		return errors.New("end_date before start_date")
	}
	if !s.InitialCapital.IsPositive() {
		return errors.New("initial_capital must be positive")
	}
	if !s.PositionSize.IsPositive() {
		return errors.New("position_size must be positive")
	}
	if s.Agent.AgentType == "" {
		return errors.New("agent_type is required")
	}
	return nil
}
