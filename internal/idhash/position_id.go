package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputePositionID computes a deterministic position id using SHA256.
// Formula: SHA256(simulation_id|symbol|signal_date)
// Returns hex-encoded hash (64 characters).
//
// Determinism matters for crash replay: re-processing a day after a restart
// regenerates the same ids for the same signals.
func ComputePositionID(simulationID, symbol string, signalDate time.Time) string {
	data := fmt.Sprintf("%s|%s|%s",
		simulationID,
		symbol,
		signalDate.UTC().Format("2006-01-02"),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
