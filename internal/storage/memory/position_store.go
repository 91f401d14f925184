package memory

import (
	"context"
	"sort"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// GetPosition retrieves a position by its ID. Returns ErrNotFound if not exists.
func (s *Store) GetPosition(_ context.Context, positionID string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.positions[positionID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	return clonePosition(p), nil
}

// GetPositionsBySimulation retrieves all positions for a simulation, ordered by
// signal_date ASC then position_id.
func (s *Store) GetPositionsBySimulation(_ context.Context, simulationID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.positions {
		if p.SimulationID == simulationID {
			result = append(result, clonePosition(p))
		}
	}

	sortPositions(result)
	return result, nil
}

// GetActivePositions retrieves OPEN and PENDING positions for a
// simulation, ordered by signal_date ASC then position_id.
func (s *Store) GetActivePositions(_ context.Context, simulationID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.positions {
		if p.SimulationID == simulationID && p.Status != domain.PositionClosed {
			result = append(result, clonePosition(p))
		}
	}

	sortPositions(result)
	return result, nil
}

func sortPositions(positions []*domain.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].SignalDate.Equal(positions[j].SignalDate) {
			return positions[i].SignalDate.Before(positions[j].SignalDate)
		}
		return positions[i].PositionID < positions[j].PositionID
	})
}
