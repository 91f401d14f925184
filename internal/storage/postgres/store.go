package postgres

import (
	"context"
	"fmt"

	"equity-sim-lab/internal/storage"
)

// Store bundles the per-entity stores behind one durable boundary and
// implements the atomic day commit as a single transaction.
type Store struct {
	*SimulationStore
	*PositionStore
	*SnapshotStore

	pool *Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		SimulationStore: NewSimulationStore(pool),
		PositionStore:   NewPositionStore(pool),
		SnapshotStore:   NewSnapshotStore(pool),
		pool:            pool,
	}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// CommitDay persists one day-step in a single transaction: the advanced
// simulation row, every position created or mutated during the day, and the
// day's snapshot. Any failure rolls back the whole day; a duplicate
// (simulation_id, day_number) snapshot returns ErrDuplicateKey.
func (s *Store) CommitDay(ctx context.Context, c *storage.DayCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin day commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateSimulation(ctx, tx, c.Simulation); err != nil {
		return err
	}
	for _, p := range c.Positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := insertSnapshot(ctx, tx, c.Snapshot); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit day %d: %w", c.Snapshot.DayNumber, err)
	}
	return nil
}
