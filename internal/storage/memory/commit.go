package memory

import (
	"context"

	"equity-sim-lab/internal/storage"
)

// CommitDay persists one day-step atomically. All validation happens before
// any map is touched, so a failed commit leaves the store unchanged.
func (s *Store) CommitDay(_ context.Context, c *storage.DayCommit) error {
	if c == nil || c.Simulation == nil || c.Snapshot == nil {
		return storage.ErrInvalidInput
	}
	if c.Snapshot.SimulationID != c.Simulation.SimulationID {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sims[c.Simulation.SimulationID]; !exists {
		return storage.ErrNotFound
	}

	key := snapshotKey{c.Snapshot.SimulationID, c.Snapshot.DayNumber}
	if _, exists := s.snapshots[key]; exists {
		return storage.ErrDuplicateKey
	}

	for _, p := range c.Positions {
		if p == nil || p.PositionID == "" || p.SimulationID != c.Simulation.SimulationID {
			return storage.ErrInvalidInput
		}
	}

	s.sims[c.Simulation.SimulationID] = cloneSimulation(c.Simulation)
	for _, p := range c.Positions {
		s.positions[p.PositionID] = clonePosition(p)
	}
	s.snapshots[key] = cloneSnapshot(c.Snapshot)

	return nil
}
