package detect

import (
	"fmt"
	"math"

	"github.com/marketwatch/anomaly-engine/internal/rolling"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// PriceConfig configures PriceDetector.
type PriceConfig struct {
	PctThreshold float64 `mapstructure:"pct_threshold"`
	ZThreshold   float64 `mapstructure:"z_threshold"`
	Window       int     `mapstructure:"window"`
	MinSamples   int     `mapstructure:"min_samples"`
}

// DefaultPriceConfig returns the spec's default price-detector
// configuration.
func DefaultPriceConfig() PriceConfig {
	return PriceConfig{
		PctThreshold: 5.0,
		ZThreshold:   3.0,
		Window:       60,
		MinSamples:   30,
	}
}

// DetectPrice evaluates a tick-to-tick percentage move against the
// pctWindow (a rolling window of absolute percentage returns). pct is the
// percentage move that produced the current tick; it must already have
// been pushed onto pctWindow by the caller so the z-score reflects the
// same snapshot used to decide firing.
func DetectPrice(cfg PriceConfig, pctWindow *rolling.Window, pct float64) Result {
	if pctWindow.Len() < cfg.MinSamples {
		return Result{}
	}

	z := pctWindow.ZScore(pct)
	absPct := math.Abs(pct)
	absZ := math.Abs(z)

	if absPct < cfg.PctThreshold && absZ < cfg.ZThreshold {
		return Result{}
	}

	severity := priceSeverity(absPct, absZ)

	return Result{
		Fired:    true,
		Kind:     marketevent.AnomalyPriceSpike,
		Severity: severity,
		Metrics: marketevent.Metrics{
			Current:   pct,
			Expected:  pctWindow.Mean(),
			Deviation: pct - pctWindow.Mean(),
			ZScore:    ptr(z),
			PctChange: ptr(pct),
			HistAvg:   ptr(pctWindow.Mean()),
			HistStd:   ptr(pctWindow.StdDev()),
		},
		Description: fmt.Sprintf("price moved %.2f%% (z=%.2f) tick-to-tick", pct, z),
	}
}

func priceSeverity(absPct, absZ float64) marketevent.Severity {
	switch {
	case absPct >= 10 || absZ >= 5:
		return marketevent.SeverityCritical
	case absPct >= 7 || absZ >= 4:
		return marketevent.SeverityHigh
	case absPct >= 5 || absZ >= 3:
		return marketevent.SeverityMedium
	default:
		return marketevent.SeverityLow
	}
}
