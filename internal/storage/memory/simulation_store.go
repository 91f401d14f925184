package memory

import (
	"context"
	"sort"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// InsertSimulation adds a new simulation. Returns ErrDuplicateKey if simulation_id exists.
func (s *Store) InsertSimulation(_ context.Context, sim *domain.Simulation) error {
	if sim == nil || sim.SimulationID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sims[sim.SimulationID]; exists {
		return storage.ErrDuplicateKey
	}

	s.sims[sim.SimulationID] = cloneSimulation(sim)
	return nil
}

// GetSimulation retrieves a simulation by its ID. Returns ErrNotFound if not exists.
func (s *Store) GetSimulation(_ context.Context, simulationID string) (*domain.Simulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sim, exists := s.sims[simulationID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	return cloneSimulation(sim), nil
}

// UpdateSimulation persists mutated simulation fields. Returns ErrNotFound if not exists.
func (s *Store) UpdateSimulation(_ context.Context, sim *domain.Simulation) error {
	if sim == nil || sim.SimulationID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sims[sim.SimulationID]; !exists {
		return storage.ErrNotFound
	}

	s.sims[sim.SimulationID] = cloneSimulation(sim)
	return nil
}

// ListSimulations retrieves all simulations, ordered by simulation_id.
func (s *Store) ListSimulations(_ context.Context) ([]*domain.Simulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Simulation, 0, len(s.sims))
	for _, sim := range s.sims {
		result = append(result, cloneSimulation(sim))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SimulationID < result[j].SimulationID
	})

	return result, nil
}
