package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	position_id, simulation_id, symbol, status, signal_date,
	entry_date, entry_price, shares,
	trailing_stop_pct, highest_price, current_stop,
	exit_date, exit_price, exit_reason, realized_pnl, return_pct,
	agent_score, agent_reasoning
`

// GetPosition retrieves a position by its ID. Returns ErrNotFound if not exists.
func (s *PositionStore) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE position_id = $1
	`

	row := s.pool.QueryRow(ctx, query, positionID)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position by id: %w", err)
	}
	return p, nil
}

// GetPositionsBySimulation retrieves all positions for a simulation, ordered by
// signal_date then position_id.
func (s *PositionStore) GetPositionsBySimulation(ctx context.Context, simulationID string) ([]*domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE simulation_id = $1
		ORDER BY signal_date ASC, position_id ASC
	`

	rows, err := s.pool.Query(ctx, query, simulationID)
	if err != nil {
		return nil, fmt.Errorf("get positions by simulation: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetActivePositions retrieves OPEN and PENDING positions for a simulation.
func (s *PositionStore) GetActivePositions(ctx context.Context, simulationID string) ([]*domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE simulation_id = $1 AND status != 'CLOSED'
		ORDER BY signal_date ASC, position_id ASC
	`

	rows, err := s.pool.Query(ctx, query, simulationID)
	if err != nil {
		return nil, fmt.Errorf("get active positions by simulation: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// upsertPosition writes a position created or mutated during a day-step. The
// position id is content-derived, so replays of an uncommitted day overwrite
// rather than duplicate.
func upsertPosition(ctx context.Context, q querier, p *domain.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			entry_date = EXCLUDED.entry_date,
			entry_price = EXCLUDED.entry_price,
			shares = EXCLUDED.shares,
			highest_price = EXCLUDED.highest_price,
			current_stop = EXCLUDED.current_stop,
			exit_date = EXCLUDED.exit_date,
			exit_price = EXCLUDED.exit_price,
			exit_reason = EXCLUDED.exit_reason,
			realized_pnl = EXCLUDED.realized_pnl,
			return_pct = EXCLUDED.return_pct
	`

	var exitReason *string
	if p.ExitReason != "" {
		s := string(p.ExitReason)
		exitReason = &s
	}

	_, err := q.Exec(ctx, query,
		p.PositionID,
		p.SimulationID,
		p.Symbol,
		string(p.Status),
		p.SignalDate,
		p.EntryDate,
		decPtrToString(p.EntryPrice),
		p.Shares,
		decToString(p.TrailingStopPct),
		decPtrToString(p.HighestPrice),
		decPtrToString(p.CurrentStop),
		p.ExitDate,
		decPtrToString(p.ExitPrice),
		exitReason,
		decPtrToString(p.RealizedPnL),
		decPtrToString(p.ReturnPct),
		p.AgentScore,
		p.AgentReasoning,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.PositionID, err)
	}
	return nil
}

// scanPosition scans a single row into a Position.
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var statusStr string
	var trailingStop string
	var entryPrice, highestPrice, currentStop, exitPrice, realizedPnL, returnPct *string
	var exitReason *string

	err := row.Scan(
		&p.PositionID,
		&p.SimulationID,
		&p.Symbol,
		&statusStr,
		&p.SignalDate,
		&p.EntryDate,
		&entryPrice,
		&p.Shares,
		&trailingStop,
		&highestPrice,
		&currentStop,
		&p.ExitDate,
		&exitPrice,
		&exitReason,
		&realizedPnL,
		&returnPct,
		&p.AgentScore,
		&p.AgentReasoning,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.PositionStatus(statusStr)
	if exitReason != nil {
		p.ExitReason = domain.ExitReason(*exitReason)
	}
	if p.TrailingStopPct, err = decFromString(trailingStop, "trailing_stop_pct"); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = decPtrFromString(entryPrice, "entry_price"); err != nil {
		return nil, err
	}
	if p.HighestPrice, err = decPtrFromString(highestPrice, "highest_price"); err != nil {
		return nil, err
	}
	if p.CurrentStop, err = decPtrFromString(currentStop, "current_stop"); err != nil {
		return nil, err
	}
	if p.ExitPrice, err = decPtrFromString(exitPrice, "exit_price"); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = decPtrFromString(realizedPnL, "realized_pnl"); err != nil {
		return nil, err
	}
	if p.ReturnPct, err = decPtrFromString(returnPct, "return_pct"); err != nil {
		return nil, err
	}
	return &p, nil
}

// scanPositions scans multiple rows into a slice of Position.
func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	var positions []*domain.Position

	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}

	return positions, nil
}
