package domain

// QualifyingSignal is an ephemeral same-day BUY candidate consumed by the
// portfolio selector. Never persisted.
type QualifyingSignal struct {
	Symbol string
	Score  int

	// Nil when the lookup has no answer. An unknown sector is never grouped
	// with another unknown sector; an unknown ATR ranks after all known ones.
	Sector *string
	ATRPct *float64
}
