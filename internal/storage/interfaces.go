package storage

import (
	"context"
	"time"

	"equity-sim-lab/internal/domain"
)

// SimulationStore provides access to simulations storage.
type SimulationStore interface {
	// InsertSimulation adds a new simulation. Returns ErrDuplicateKey if
	// simulation_id exists.
	InsertSimulation(ctx context.Context, s *domain.Simulation) error

	// GetSimulation retrieves a simulation by its ID. Returns ErrNotFound if
	// not exists.
	GetSimulation(ctx context.Context, simulationID string) (*domain.Simulation, error)

	// UpdateSimulation persists mutated simulation fields. Returns ErrNotFound
	// if not exists. The caller is responsible for transition-checking status
	// changes.
	UpdateSimulation(ctx context.Context, s *domain.Simulation) error

	// ListSimulations retrieves all simulations, ordered by simulation_id.
	ListSimulations(ctx context.Context) ([]*domain.Simulation, error)
}

// PositionStore provides access to positions storage.
type PositionStore interface {
	// GetPosition retrieves a position by its ID. Returns ErrNotFound if not
	// exists.
	GetPosition(ctx context.Context, positionID string) (*domain.Position, error)

	// GetPositionsBySimulation retrieves all positions for a simulation,
	// ordered by signal_date ASC then position_id.
	GetPositionsBySimulation(ctx context.Context, simulationID string) ([]*domain.Position, error)

	// GetActivePositions retrieves OPEN and PENDING positions for a
	// simulation, same ordering. This is the resume working set.
	GetActivePositions(ctx context.Context, simulationID string) ([]*domain.Position, error)
}

// SnapshotStore provides access to daily snapshots storage.
type SnapshotStore interface {
	// GetSnapshot retrieves one snapshot. Returns ErrNotFound if not exists.
	GetSnapshot(ctx context.Context, simulationID string, dayNumber int) (*domain.Snapshot, error)

	// GetSnapshots retrieves all snapshots for a simulation, ordered by
	// day_number ASC. Drawdown replay depends on this ordering.
	GetSnapshots(ctx context.Context, simulationID string) ([]*domain.Snapshot, error)

	// GetLatestSnapshot retrieves the highest-day snapshot. Returns
	// ErrNotFound if the simulation has no snapshots yet.
	GetLatestSnapshot(ctx context.Context, simulationID string) (*domain.Snapshot, error)
}

// DayCommit is the single write unit produced by one engine day-step. All of
// it persists atomically; a crash before commit leaves the day unprocessed.
type DayCommit struct {
	// Simulation carries the advanced current_day, counters and status.
	Simulation *domain.Simulation

	// Positions are the positions created or mutated during the day.
	Positions []*domain.Position

	// Snapshot is the day's account record. Exactly one per commit; a
	// duplicate (simulation_id, day_number) fails the whole commit with
	// ErrDuplicateKey.
	Snapshot *domain.Snapshot
}

// DayCommitter persists one day-step atomically.
type DayCommitter interface {
	CommitDay(ctx context.Context, c *DayCommit) error
}

// Store bundles the per-entity stores and the atomic day committer behind
// one durable boundary.
type Store interface {
	SimulationStore
	PositionStore
	SnapshotStore
	DayCommitter
}

// PriceBarStore provides access to bulk daily OHLCV history.
type PriceBarStore interface {
	// InsertBulk adds multiple bars. Fails entire batch on duplicate
	// (symbol, date).
	InsertBulk(ctx context.Context, bars []*domain.PriceBar) error

	// GetBySymbolRange retrieves bars for a symbol with date in
	// [start, end] inclusive, ordered by date ASC.
	GetBySymbolRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.PriceBar, error)
}
