package idhash

import (
	"testing"
	"time"
)

func TestComputePositionID(t *testing.T) {
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	got := ComputePositionID("sim-1", "AAPL", date)

	if len(got) != 64 {
		t.Errorf("ComputePositionID() length = %d, want 64", len(got))
	}

	// Determinism: same inputs produce the same id.
	again := ComputePositionID("sim-1", "AAPL", date)
	if got != again {
		t.Errorf("ComputePositionID() not deterministic: %s != %s", got, again)
	}

	// Intraday time components do not change the id.
	noon := date.Add(12 * time.Hour)
	if ComputePositionID("sim-1", "AAPL", noon) != got {
		t.Error("ComputePositionID() should depend only on the calendar date")
	}
}

func TestComputePositionID_Uniqueness(t *testing.T) {
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	ids := map[string]struct{}{
		ComputePositionID("sim-1", "AAPL", date):                    {},
		ComputePositionID("sim-1", "MSFT", date):                    {},
		ComputePositionID("sim-2", "AAPL", date):                    {},
		ComputePositionID("sim-1", "AAPL", date.AddDate(0, 0, 1)):   {},
	}

	if len(ids) != 4 {
		t.Errorf("expected 4 distinct ids, got %d", len(ids))
	}
}
