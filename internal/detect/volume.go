package detect

import (
	"fmt"
	"math"

	"github.com/marketwatch/anomaly-engine/internal/rolling"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// VolumeConfig configures VolumeDetector, grounded on
// MarketDataQualityConfig's threshold-and-window shape.
type VolumeConfig struct {
	ZThreshold   float64 `mapstructure:"z_threshold"`
	MinPctChange float64 `mapstructure:"min_pct_change"`
	Window       int     `mapstructure:"window"`
	MinSamples   int     `mapstructure:"min_samples"`
}

// DefaultVolumeConfig returns the spec's default volume-detector
// configuration.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		ZThreshold:   3.0,
		MinPctChange: 200.0,
		Window:       60,
		MinSamples:   30,
	}
}

// DetectVolume evaluates the most recently pushed value in window against
// the volume-spike contract: fires iff |z| >= ZThreshold AND |pct| >=
// MinPctChange, once the window holds at least MinSamples values.
func DetectVolume(cfg VolumeConfig, window *rolling.Window) Result {
	if window.Len() < cfg.MinSamples {
		return Result{}
	}

	latest, ok := window.Latest()
	if !ok {
		return Result{}
	}

	mean := window.Mean()
	z := window.ZScore(latest)

	var pct float64
	if mean != 0 {
		pct = (latest - mean) / mean * 100
	}

	if math.Abs(z) < cfg.ZThreshold || math.Abs(pct) < cfg.MinPctChange {
		return Result{}
	}

	severity := volumeSeverity(math.Abs(z))

	return Result{
		Fired:    true,
		Kind:     marketevent.AnomalyVolumeSpike,
		Severity: severity,
		Metrics: marketevent.Metrics{
			Current:   latest,
			Expected:  mean,
			Deviation: latest - mean,
			ZScore:    ptr(z),
			PctChange: ptr(pct),
			HistAvg:   ptr(mean),
			HistStd:   ptr(window.StdDev()),
		},
		Description: fmt.Sprintf("volume %.4f deviates %.2f std (%.1f%%) from mean %.4f", latest, z, pct, mean),
	}
}

func volumeSeverity(absZ float64) marketevent.Severity {
	switch {
	case absZ >= 5:
		return marketevent.SeverityCritical
	case absZ >= 4:
		return marketevent.SeverityHigh
	case absZ >= 3:
		return marketevent.SeverityMedium
	default:
		return marketevent.SeverityLow
	}
}
