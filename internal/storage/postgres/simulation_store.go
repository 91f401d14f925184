package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// SimulationStore implements storage.SimulationStore using PostgreSQL.
type SimulationStore struct {
	pool *Pool
}

// NewSimulationStore creates a new SimulationStore.
func NewSimulationStore(pool *Pool) *SimulationStore {
	return &SimulationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SimulationStore = (*SimulationStore)(nil)

const simulationColumns = `
	simulation_id, symbols, start_date, end_date,
	initial_capital, position_size,
	agent_type, trailing_stop_pct, portfolio_strategy,
	buy_threshold, max_per_sector, max_open_positions,
	status, current_day, total_days,
	total_trades, winning_trades,
	final_equity, total_return_pct, max_drawdown_pct
`

// InsertSimulation adds a new simulation. Returns ErrDuplicateKey if simulation_id exists.
func (s *SimulationStore) InsertSimulation(ctx context.Context, sim *domain.Simulation) error {
	query := `
		INSERT INTO simulations (` + simulationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := s.pool.Exec(ctx, query, simulationArgs(sim)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert simulation: %w", err)
	}
	return nil
}

// GetSimulation retrieves a simulation by its ID. Returns ErrNotFound if not exists.
func (s *SimulationStore) GetSimulation(ctx context.Context, simulationID string) (*domain.Simulation, error) {
	query := `
		SELECT ` + simulationColumns + `
		FROM simulations
		WHERE simulation_id = $1
	`

	row := s.pool.QueryRow(ctx, query, simulationID)
	sim, err := scanSimulation(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get simulation by id: %w", err)
	}
	return sim, nil
}

// UpdateSimulation persists mutated simulation fields. Returns ErrNotFound if not exists.
func (s *SimulationStore) UpdateSimulation(ctx context.Context, sim *domain.Simulation) error {
	return updateSimulation(ctx, s.pool, sim)
}

// ListSimulations retrieves all simulations, ordered by simulation_id.
func (s *SimulationStore) ListSimulations(ctx context.Context) ([]*domain.Simulation, error) {
	query := `
		SELECT ` + simulationColumns + `
		FROM simulations
		ORDER BY simulation_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var sims []*domain.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation row: %w", err)
		}
		sims = append(sims, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate simulation rows: %w", err)
	}
	return sims, nil
}

// updateSimulation runs the update against any querier so the day commit can
// reuse it inside its transaction.
func updateSimulation(ctx context.Context, q querier, sim *domain.Simulation) error {
	query := `
		UPDATE simulations SET
			symbols = $2, start_date = $3, end_date = $4,
			initial_capital = $5, position_size = $6,
			agent_type = $7, trailing_stop_pct = $8, portfolio_strategy = $9,
			buy_threshold = $10, max_per_sector = $11, max_open_positions = $12,
			status = $13, current_day = $14, total_days = $15,
			total_trades = $16, winning_trades = $17,
			final_equity = $18, total_return_pct = $19, max_drawdown_pct = $20
		WHERE simulation_id = $1
	`

	tag, err := q.Exec(ctx, query, simulationArgs(sim)...)
	if err != nil {
		return fmt.Errorf("update simulation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// simulationArgs flattens a simulation into positional arguments matching
// simulationColumns order.
func simulationArgs(sim *domain.Simulation) []any {
	return []any{
		sim.SimulationID,
		sim.Symbols,
		sim.StartDate,
		sim.EndDate,
		decToString(sim.InitialCapital),
		decToString(sim.PositionSize),
		sim.Agent.AgentType,
		decToString(sim.Agent.TrailingStopPct),
		sim.Agent.PortfolioStrategy,
		sim.Agent.BuyThreshold,
		sim.Agent.MaxPerSector,
		sim.Agent.MaxOpenPositions,
		string(sim.Status),
		sim.CurrentDay,
		sim.TotalDays,
		sim.TotalTrades,
		sim.WinningTrades,
		decPtrToString(sim.FinalEquity),
		decPtrToString(sim.TotalReturnPct),
		decPtrToString(sim.MaxDrawdownPct),
	}
}

// scanSimulation scans a single row into a Simulation.
func scanSimulation(row pgx.Row) (*domain.Simulation, error) {
	var sim domain.Simulation
	var statusStr string
	var initialCapital, positionSize, trailingStop string
	var finalEquity, totalReturn, maxDrawdown *string

	err := row.Scan(
		&sim.SimulationID,
		&sim.Symbols,
		&sim.StartDate,
		&sim.EndDate,
		&initialCapital,
		&positionSize,
		&sim.Agent.AgentType,
		&trailingStop,
		&sim.Agent.PortfolioStrategy,
		&sim.Agent.BuyThreshold,
		&sim.Agent.MaxPerSector,
		&sim.Agent.MaxOpenPositions,
		&statusStr,
		&sim.CurrentDay,
		&sim.TotalDays,
		&sim.TotalTrades,
		&sim.WinningTrades,
		&finalEquity,
		&totalReturn,
		&maxDrawdown,
	)
	if err != nil {
		return nil, err
	}

	sim.Status = domain.Status(statusStr)
	if sim.InitialCapital, err = decFromString(initialCapital, "initial_capital"); err != nil {
		return nil, err
	}
	if sim.PositionSize, err = decFromString(positionSize, "position_size"); err != nil {
		return nil, err
	}
	if sim.Agent.TrailingStopPct, err = decFromString(trailingStop, "trailing_stop_pct"); err != nil {
		return nil, err
	}
	if sim.FinalEquity, err = decPtrFromString(finalEquity, "final_equity"); err != nil {
		return nil, err
	}
	if sim.TotalReturnPct, err = decPtrFromString(totalReturn, "total_return_pct"); err != nil {
		return nil, err
	}
	if sim.MaxDrawdownPct, err = decPtrFromString(maxDrawdown, "max_drawdown_pct"); err != nil {
		return nil, err
	}
	return &sim, nil
}
