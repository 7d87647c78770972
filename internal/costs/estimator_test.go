package costs

import (
	"math"
	"testing"

	"kiln/internal/render"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestEstimateRoundsUpToBillingIncrement(t *testing.T) {
	cfg := Config{
		BillingIncrementMs: 100,
		PricePerMsPerMb:    0.001,
		Currency:           "USD",
	}

	attempts := []render.ChunkResult{
		{ChunkIndex: 0, State: render.StateSucceeded, DurationMs: 1500, MemorySizeMb: 1},
		{ChunkIndex: 1, State: render.StateSucceeded, DurationMs: 2200, MemorySizeMb: 1},
	}

	est := cfg.Estimate(attempts, 0)

	// 1500 and 2200 are already on the increment: 1500 + 2200 = 3700 billed ms.
	want := 3700 * 0.001
	if !almostEqual(est.Price, want) {
		t.Errorf("expected %v, got %v", want, est.Price)
	}

	t.Run("off-increment durations round up", func(t *testing.T) {
		attempts := []render.ChunkResult{
			{DurationMs: 1501, MemorySizeMb: 1, State: render.StateSucceeded},
			{DurationMs: 2201, MemorySizeMb: 1, State: render.StateSucceeded},
		}
		est := cfg.Estimate(attempts, 0)
		want := (1600 + 2300) * 0.001
		if !almostEqual(est.Price, want) {
			t.Errorf("expected %v, got %v", want, est.Price)
		}
	})
}

func TestEstimateCountsEveryAttempt(t *testing.T) {
	cfg := Config{BillingIncrementMs: 100, PricePerMsPerMb: 0.001, Currency: "USD"}

	// Chunk 0 failed once then succeeded: both attempts are charged.
	attempts := []render.ChunkResult{
		{ChunkIndex: 0, Attempt: 1, State: render.StateFailed, DurationMs: 800, MemorySizeMb: 2},
		{ChunkIndex: 0, Attempt: 2, State: render.StateSucceeded, DurationMs: 1000, MemorySizeMb: 2},
	}

	est := cfg.Estimate(attempts, 0)
	want := (800 + 1000) * 0.001 * 2
	if !almostEqual(est.Price, want) {
		t.Errorf("expected both attempts charged (%v), got %v", want, est.Price)
	}
}

func TestEstimateScalesWithMemory(t *testing.T) {
	cfg := Config{BillingIncrementMs: 1, PricePerMsPerMb: 0.5}
	est := cfg.Estimate([]render.ChunkResult{{DurationMs: 10, MemorySizeMb: 4}}, 0)
	if !almostEqual(est.Price, 10*0.5*4) {
		t.Errorf("expected memory-scaled price, got %v", est.Price)
	}
}

func TestEstimateBaseCharge(t *testing.T) {
	cfg := Config{BillingIncrementMs: 100, PerInvocationBaseCharge: 0.01}
	est := cfg.Estimate(nil, 7)
	if !almostEqual(est.Price, 0.07) {
		t.Errorf("expected base charge for 7 invocations, got %v", est.Price)
	}
}

func TestEstimateIgnoresUnfinishedAttempts(t *testing.T) {
	cfg := Config{BillingIncrementMs: 100, PricePerMsPerMb: 1}
	est := cfg.Estimate([]render.ChunkResult{{DurationMs: 0, MemorySizeMb: 10}}, 0)
	if est.Price != 0 {
		t.Errorf("expected zero for attempts without a recorded duration, got %v", est.Price)
	}
}

func TestBilledMs(t *testing.T) {
	cfg := Config{BillingIncrementMs: 100}
	cases := []struct{ in, want int64 }{
		{1, 100},
		{100, 100},
		{101, 200},
		{1500, 1500},
		{2201, 2300},
	}
	for _, c := range cases {
		if got := cfg.BilledMs(c.in); got != c.want {
			t.Errorf("BilledMs(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestDisplayCost(t *testing.T) {
	cfg := DefaultConfig()
	est := cfg.Estimate(nil, 0)
	if est.DisplayCost != "USD 0.00000" {
		t.Errorf("unexpected display cost %q", est.DisplayCost)
	}
	if est.Disclaimer == "" {
		t.Error("expected a disclaimer")
	}
}
