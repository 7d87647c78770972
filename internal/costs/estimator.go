// Package costs derives a monetary estimate for a render from the recorded
// invocation durations. The estimate is deliberately conservative: durations
// round up to the platform's billing increment and every attempt counts,
// including failed and retried ones, so the real bill is at or below the
// figure shown. It is a non-binding estimate, never an invoice.
package costs

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"kiln/internal/render"
)

// Config holds the billing constants. The exact rates depend on the compute
// platform and are configuration, not code.
type Config struct {
	// BillingIncrementMs is the granularity durations are rounded up to.
	BillingIncrementMs int64
	// PricePerMsPerMb is the charge per billed millisecond per MB of
	// allocated worker memory.
	PricePerMsPerMb float64
	// PerInvocationBaseCharge is the flat charge per issued invocation.
	PerInvocationBaseCharge float64
	// Currency is the ISO currency code used for display.
	Currency string
	// Disclaimer is surfaced verbatim to clients next to the estimate.
	Disclaimer string
}

// DefaultConfig returns rates in the shape of a typical
// pay-per-ms-and-memory serverless platform.
func DefaultConfig() Config {
	return Config{
		BillingIncrementMs:      100,
		PricePerMsPerMb:         0.0000000163,
		PerInvocationBaseCharge: 0.0000002,
		Currency:                "USD",
		Disclaimer:              "Estimated cost only. Attempts are counted and durations rounded up, so the real cost is likely lower.",
	}
}

// ConfigFromEnv returns DefaultConfig with any COST_* env overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := envInt64("COST_BILLING_INCREMENT_MS"); v > 0 {
		cfg.BillingIncrementMs = v
	}
	if v := envFloat("COST_PRICE_PER_MS_PER_MB"); v > 0 {
		cfg.PricePerMsPerMb = v
	}
	if v := envFloat("COST_PER_INVOCATION_BASE_CHARGE"); v > 0 {
		cfg.PerInvocationBaseCharge = v
	}
	if v := strings.TrimSpace(os.Getenv("COST_CURRENCY")); v != "" {
		cfg.Currency = v
	}
	if v := strings.TrimSpace(os.Getenv("COST_DISCLAIMER")); v != "" {
		cfg.Disclaimer = v
	}
	return cfg
}

func envInt64(k string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(k)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func envFloat(k string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(k)), 64)
	if err != nil {
		return 0
	}
	return v
}

// Estimate is the derived cost figure.
type Estimate struct {
	// Price is the estimated total in Config.Currency.
	Price float64
	// DisplayCost is Price formatted for humans.
	DisplayCost string
	// Disclaimer restates the conservative nature of the figure.
	Disclaimer string
}

// Estimate computes the upper-bound cost over every recorded attempt plus
// the per-invocation base charge for each invoked chunk.
func (c Config) Estimate(attempts []render.ChunkResult, invoked int) Estimate {
	var total float64
	for _, a := range attempts {
		if a.DurationMs <= 0 {
			continue
		}
		billedMs := ceilToIncrement(a.DurationMs, c.BillingIncrementMs)
		total += float64(billedMs) * c.PricePerMsPerMb * float64(a.MemorySizeMb)
	}
	total += c.PerInvocationBaseCharge * float64(invoked)

	return Estimate{
		Price:       total,
		DisplayCost: fmt.Sprintf("%s %.5f", c.Currency, total),
		Disclaimer:  c.Disclaimer,
	}
}

// BilledMs returns the duration rounded up to the billing increment.
func (c Config) BilledMs(durationMs int64) int64 {
	return ceilToIncrement(durationMs, c.BillingIncrementMs)
}

func ceilToIncrement(durationMs, incrementMs int64) int64 {
	if incrementMs <= 1 {
		return durationMs
	}
	return int64(math.Ceil(float64(durationMs)/float64(incrementMs))) * incrementMs
}
