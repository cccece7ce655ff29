package detect

import (
	"fmt"

	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// FlashCrashConfig configures FlashCrashDetector.
type FlashCrashConfig struct {
	LookbackSamples  int     `mapstructure:"lookback_samples"`
	DropThresholdPct float64 `mapstructure:"drop_threshold_pct"`
	RecoveryFloor    float64 `mapstructure:"recovery_floor"`
}

// DefaultFlashCrashConfig returns the spec's default flash-crash
// configuration: last K=5 prices, 10% drop from the window high, current
// price at or below 90% of the high.
func DefaultFlashCrashConfig() FlashCrashConfig {
	return FlashCrashConfig{
		LookbackSamples:  5,
		DropThresholdPct: 10.0,
		RecoveryFloor:    0.9,
	}
}

// DetectFlashCrash inspects the last LookbackSamples prices (oldest
// first, as returned by a rolling window's Values()) for a sharp,
// sustained drop: fires iff (hi-lo)/hi >= DropThresholdPct% AND the
// newest price is still at or below RecoveryFloor*hi.
func DetectFlashCrash(cfg FlashCrashConfig, recentPrices []float64) Result {
	if len(recentPrices) < cfg.LookbackSamples {
		return Result{}
	}

	window := recentPrices[len(recentPrices)-cfg.LookbackSamples:]
	hi, lo := window[0], window[0]
	for _, p := range window {
		if p > hi {
			hi = p
		}
		if p < lo {
			lo = p
		}
	}
	now := window[len(window)-1]

	if hi <= 0 {
		return Result{}
	}

	dropPct := (hi - lo) / hi * 100
	if dropPct < cfg.DropThresholdPct || now > cfg.RecoveryFloor*hi {
		return Result{}
	}

	return Result{
		Fired:    true,
		Kind:     marketevent.AnomalyFlashCrash,
		Severity: marketevent.SeverityCritical,
		Metrics: marketevent.Metrics{
			Current:   now,
			Expected:  hi,
			Deviation: now - hi,
			PctChange: ptr(dropPct),
		},
		Description: fmt.Sprintf("price dropped %.2f%% from %.4f to %.4f within last %d samples", dropPct, hi, lo, cfg.LookbackSamples),
	}
}
