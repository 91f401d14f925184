package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL. Decision
// records are stored as JSONB alongside the account fields.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

const snapshotColumns = `
	simulation_id, day_number, snapshot_date,
	cash, positions_value, total_equity,
	daily_pnl, daily_return_pct, cumulative_return_pct,
	open_position_count, decisions
`

// GetSnapshot retrieves one snapshot. Returns ErrNotFound if not exists.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, simulationID string, dayNumber int) (*domain.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM daily_snapshots
		WHERE simulation_id = $1 AND day_number = $2
	`

	row := s.pool.QueryRow(ctx, query, simulationID, dayNumber)
	snap, err := scanSnapshot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot by day: %w", err)
	}
	return snap, nil
}

// GetSnapshots retrieves all snapshots for a simulation, ordered by
// day_number ASC.
func (s *SnapshotStore) GetSnapshots(ctx context.Context, simulationID string) ([]*domain.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM daily_snapshots
		WHERE simulation_id = $1
		ORDER BY day_number ASC
	`

	rows, err := s.pool.Query(ctx, query, simulationID)
	if err != nil {
		return nil, fmt.Errorf("get snapshots by simulation: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return snaps, nil
}

// GetLatestSnapshot retrieves the highest-day snapshot. Returns ErrNotFound if the
// simulation has no snapshots yet.
func (s *SnapshotStore) GetLatestSnapshot(ctx context.Context, simulationID string) (*domain.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM daily_snapshots
		WHERE simulation_id = $1
		ORDER BY day_number DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, simulationID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// insertSnapshot writes the day's snapshot. A duplicate (simulation_id,
// day_number) fails with ErrDuplicateKey; snapshots are immutable once
// committed.
func insertSnapshot(ctx context.Context, q querier, snap *domain.Snapshot) error {
	query := `
		INSERT INTO daily_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	decisions, err := json.Marshal(snap.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}

	_, err = q.Exec(ctx, query,
		snap.SimulationID,
		snap.DayNumber,
		snap.Date,
		decToString(snap.Cash),
		decToString(snap.PositionsValue),
		decToString(snap.TotalEquity),
		decToString(snap.DailyPnL),
		decToString(snap.DailyReturnPct),
		decToString(snap.CumulativeReturnPct),
		snap.OpenPositionCount,
		decisions,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert snapshot day %d: %w", snap.DayNumber, err)
	}
	return nil
}

// scanSnapshot scans a single row into a Snapshot.
func scanSnapshot(row pgx.Row) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	var cash, positionsValue, totalEquity, dailyPnL, dailyReturn, cumulativeReturn string
	var decisions []byte

	err := row.Scan(
		&snap.SimulationID,
		&snap.DayNumber,
		&snap.Date,
		&cash,
		&positionsValue,
		&totalEquity,
		&dailyPnL,
		&dailyReturn,
		&cumulativeReturn,
		&snap.OpenPositionCount,
		&decisions,
	)
	if err != nil {
		return nil, err
	}

	if snap.Cash, err = decFromString(cash, "cash"); err != nil {
		return nil, err
	}
	if snap.PositionsValue, err = decFromString(positionsValue, "positions_value"); err != nil {
		return nil, err
	}
	if snap.TotalEquity, err = decFromString(totalEquity, "total_equity"); err != nil {
		return nil, err
	}
	if snap.DailyPnL, err = decFromString(dailyPnL, "daily_pnl"); err != nil {
		return nil, err
	}
	if snap.DailyReturnPct, err = decFromString(dailyReturn, "daily_return_pct"); err != nil {
		return nil, err
	}
	if snap.CumulativeReturnPct, err = decFromString(cumulativeReturn, "cumulative_return_pct"); err != nil {
		return nil, err
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &snap.Decisions); err != nil {
			return nil, fmt.Errorf("unmarshal decisions: %w", err)
		}
	}
	return &snap, nil
}
