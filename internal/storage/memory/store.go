// Package memory provides in-memory implementations of the storage
// interfaces, used by tests and the single-run CLI.
package memory

import (
	"sync"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// snapshotKey identifies one snapshot row.
type snapshotKey struct {
	simulationID string
	dayNumber    int
}

// Store is an in-memory implementation of storage.Store. One mutex guards
// all entity maps so CommitDay is trivially atomic.
type Store struct {
	mu        sync.RWMutex
	sims      map[string]*domain.Simulation
	positions map[string]*domain.Position
	snapshots map[snapshotKey]*domain.Snapshot
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		sims:      make(map[string]*domain.Simulation),
		positions: make(map[string]*domain.Position),
		snapshots: make(map[snapshotKey]*domain.Snapshot),
	}
}

var _ storage.Store = (*Store)(nil)

// Defensive copies keep callers from mutating stored state in place.

func cloneSimulation(s *domain.Simulation) *domain.Simulation {
	out := *s
	out.Symbols = append([]string(nil), s.Symbols...)
	if s.Agent.BuyThreshold != nil {
		v := *s.Agent.BuyThreshold
		out.Agent.BuyThreshold = &v
	}
	if s.Agent.MaxPerSector != nil {
		v := *s.Agent.MaxPerSector
		out.Agent.MaxPerSector = &v
	}
	if s.Agent.MaxOpenPositions != nil {
		v := *s.Agent.MaxOpenPositions
		out.Agent.MaxOpenPositions = &v
	}
	if s.FinalEquity != nil {
		v := *s.FinalEquity
		out.FinalEquity = &v
	}
	if s.TotalReturnPct != nil {
		v := *s.TotalReturnPct
		out.TotalReturnPct = &v
	}
	if s.MaxDrawdownPct != nil {
		v := *s.MaxDrawdownPct
		out.MaxDrawdownPct = &v
	}
	return &out
}

func clonePosition(p *domain.Position) *domain.Position {
	out := *p
	if p.EntryDate != nil {
		v := *p.EntryDate
		out.EntryDate = &v
	}
	if p.EntryPrice != nil {
		v := *p.EntryPrice
		out.EntryPrice = &v
	}
	if p.HighestPrice != nil {
		v := *p.HighestPrice
		out.HighestPrice = &v
	}
	if p.CurrentStop != nil {
		v := *p.CurrentStop
		out.CurrentStop = &v
	}
	if p.ExitDate != nil {
		v := *p.ExitDate
		out.ExitDate = &v
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		out.ExitPrice = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		out.RealizedPnL = &v
	}
	if p.ReturnPct != nil {
		v := *p.ReturnPct
		out.ReturnPct = &v
	}
	if p.AgentScore != nil {
		v := *p.AgentScore
		out.AgentScore = &v
	}
	return &out
}

func cloneSnapshot(s *domain.Snapshot) *domain.Snapshot {
	out := *s
	out.Decisions = make([]domain.DecisionRecord, len(s.Decisions))
	for i, d := range s.Decisions {
		rec := d
		if d.Score != nil {
			v := *d.Score
			rec.Score = &v
		}
		if d.Selected != nil {
			v := *d.Selected
			rec.Selected = &v
		}
		out.Decisions[i] = rec
	}
	return &out
}
