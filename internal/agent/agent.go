// Package agent defines the decision-policy contract and the name to
// constructor registry the engine resolves policies through.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"equity-sim-lab/internal/domain"
)

// Decision is one policy verdict for one symbol on one day. Score is used
// only for ranking BUY candidates.
type Decision struct {
	Action    domain.Action
	Score     *int
	Reasoning string
}

// Agent is a pluggable decision policy. Opaque to the engine beyond this
// contract.
type Agent interface {
	// RequiredLookbackDays is how much history Evaluate needs before the
	// current bar.
	RequiredLookbackDays() int

	// Evaluate produces a decision for one symbol. history is the lookback
	// window ending the day before current; hasOpenPosition tells the
	// policy the engine already holds the symbol.
	Evaluate(ctx context.Context, symbol string, history []*domain.PriceBar, current *domain.PriceBar, hasOpenPosition bool) (*Decision, error)
}

// Constructor builds an agent from a simulation's policy config.
type Constructor func(cfg domain.AgentConfig) (Agent, error)

// ErrUnknownAgentType is returned when no constructor is registered for the
// configured type.
var ErrUnknownAgentType = errors.New("unknown agent type")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a constructor under a type name. Panics on duplicates, which
// only happen from conflicting init functions.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("agent: duplicate registration for %q", name))
	}
	registry[name] = ctor
}

// New builds the agent named by cfg.AgentType.
func New(cfg domain.AgentConfig) (Agent, error) {
	registryMu.RLock()
	ctor, exists := registry[cfg.AgentType]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, cfg.AgentType)
	}
	return ctor(cfg)
}

// Types returns the registered type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
