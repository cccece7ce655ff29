package detect

import (
	"fmt"

	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// PumpDumpConfig configures PumpDumpDetector. Constants are reported, not
// justified, by the source this spec is distilled from; they are kept
// configurable with the spec's defaults per its open-question decision.
type PumpDumpConfig struct {
	LookbackSamples int     `mapstructure:"lookback_samples"`
	PumpThreshold   float64 `mapstructure:"pump_threshold_pct"`
	DumpThreshold   float64 `mapstructure:"dump_threshold_pct"`
	PeakBandLow     int     `mapstructure:"peak_band_low"`
	PeakBandHigh    int     `mapstructure:"peak_band_high"`
}

// DefaultPumpDumpConfig returns the spec's default pump-and-dump
// configuration: last K=20 prices, peak must land within the inclusive
// band [6,14], pump >= 20%, dump >= 15%.
func DefaultPumpDumpConfig() PumpDumpConfig {
	return PumpDumpConfig{
		LookbackSamples: 20,
		PumpThreshold:   20.0,
		DumpThreshold:   15.0,
		PeakBandLow:     6,
		PeakBandHigh:    14,
	}
}

// DetectPumpDump inspects the last LookbackSamples prices (oldest first)
// for a pump into a peak within the configured band followed by a dump:
// fires iff pump = (p[peak]-p[0])/p[0]*100 >= PumpThreshold AND
// dump = (p[peak]-p[last])/p[peak]*100 >= DumpThreshold.
func DetectPumpDump(cfg PumpDumpConfig, recentPrices []float64) Result {
	if len(recentPrices) < cfg.LookbackSamples {
		return Result{}
	}

	window := recentPrices[len(recentPrices)-cfg.LookbackSamples:]

	peakIdx := 0
	for i, p := range window {
		if p > window[peakIdx] {
			peakIdx = i
		}
	}

	if peakIdx < cfg.PeakBandLow || peakIdx > cfg.PeakBandHigh {
		return Result{}
	}

	first := window[0]
	peak := window[peakIdx]
	last := window[len(window)-1]

	if first <= 0 || peak <= 0 {
		return Result{}
	}

	pump := (peak - first) / first * 100
	dump := (peak - last) / peak * 100

	if pump < cfg.PumpThreshold || dump < cfg.DumpThreshold {
		return Result{}
	}

	return Result{
		Fired:    true,
		Kind:     marketevent.AnomalyPumpDump,
		Severity: marketevent.SeverityCritical,
		Metrics: marketevent.Metrics{
			Current:   last,
			Expected:  first,
			Deviation: last - first,
			PctChange: ptr(dump),
		},
		Description: fmt.Sprintf("pump %.2f%% to %.4f at sample %d, then dump %.2f%% to %.4f", pump, peak, peakIdx, dump, last),
	}
}
