package memory

import (
	"context"
	"sort"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// GetSnapshot retrieves one snapshot. Returns ErrNotFound if not exists.
func (s *Store) GetSnapshot(_ context.Context, simulationID string, dayNumber int) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.snapshots[snapshotKey{simulationID, dayNumber}]
	if !exists {
		return nil, storage.ErrNotFound
	}

	return cloneSnapshot(snap), nil
}

// GetSnapshots retrieves all snapshots for a simulation, ordered by
// day_number ASC.
func (s *Store) GetSnapshots(_ context.Context, simulationID string) ([]*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Snapshot
	for key, snap := range s.snapshots {
		if key.simulationID == simulationID {
			result = append(result, cloneSnapshot(snap))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DayNumber < result[j].DayNumber
	})

	return result, nil
}

// GetLatestSnapshot retrieves the highest-day snapshot. Returns ErrNotFound if the
// simulation has no snapshots yet.
func (s *Store) GetLatestSnapshot(_ context.Context, simulationID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Snapshot
	for key, snap := range s.snapshots {
		if key.simulationID != simulationID {
			continue
		}
		if latest == nil || snap.DayNumber > latest.DayNumber {
			latest = snap
		}
	}

	if latest == nil {
		return nil, storage.ErrNotFound
	}

	return cloneSnapshot(latest), nil
}
