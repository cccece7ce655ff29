package detect

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// IndicatorConfig configures IndicatorConfirmationDetector, a
// supplemental fifth detector built on cinar/indicator/v2's streaming EMA.
// It never fires on its own; it only raises the severity of an
// already-firing PriceDetector/VolumeDetector anomaly by one level when
// the EMA deviation also crosses DeviationThreshold, as a secondary
// confirmation signal against single-tick noise.
type IndicatorConfig struct {
	Period             int     `mapstructure:"period"`
	DeviationThreshold float64 `mapstructure:"deviation_threshold_pct"`
}

// DefaultIndicatorConfig returns a conservative EMA confirmation
// configuration: a 14-sample period and a 3% deviation band.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		Period:             14,
		DeviationThreshold: 3.0,
	}
}

// Confirm computes the EMA over recentPrices (oldest first) and, if the
// current price deviates from it by at least DeviationThreshold percent,
// bumps baseSeverity one level. It returns baseSeverity unchanged when
// there aren't enough samples for a full period or the deviation band is
// not crossed.
func Confirm(cfg IndicatorConfig, recentPrices []float64, currentPrice float64, baseSeverity marketevent.Severity) marketevent.Severity {
	if len(recentPrices) < cfg.Period {
		return baseSeverity
	}

	ema := streamingEMA(cfg.Period, recentPrices)
	if ema == 0 {
		return baseSeverity
	}

	deviationPct := math.Abs(currentPrice-ema) / ema * 100
	if deviationPct < cfg.DeviationThreshold {
		return baseSeverity
	}

	return bumpSeverity(baseSeverity)
}

// streamingEMA feeds values through cinar/indicator/v2's channel-based EMA
// strategy and returns the final computed value.
func streamingEMA(period int, values []float64) float64 {
	ema := trend.NewEmaWithPeriod[float64](period)

	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var last float64
	for v := range ema.Compute(in) {
		last = v
	}
	return last
}

func bumpSeverity(s marketevent.Severity) marketevent.Severity {
	switch s {
	case marketevent.SeverityLow:
		return marketevent.SeverityMedium
	case marketevent.SeverityMedium:
		return marketevent.SeverityHigh
	case marketevent.SeverityHigh:
		return marketevent.SeverityCritical
	default:
		return s
	}
}
