// Package detect implements the concrete anomaly detectors composed by an
// instrument monitor: volume, price, flash-crash, pump-and-dump, and a
// supplemental EMA-based confirmation signal. Detectors are modeled as a
// tagged-variant Kind rather than an interface list, avoiding dynamic
// dispatch in the hot path, in line with the preference for sharded
// state over trait objects the teacher's threshold-checker services
// (checkPriceOutlier, checkVolumeAnomaly) already favor.
package detect

import "github.com/marketwatch/anomaly-engine/pkg/marketevent"

// Kind tags which concrete detector a Detector value represents.
type Kind int

const (
	KindVolume Kind = iota
	KindPrice
	KindFlashCrash
	KindPumpDump
	KindIndicatorConfirmation
)

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "volume"
	case KindPrice:
		return "price"
	case KindFlashCrash:
		return "flash_crash"
	case KindPumpDump:
		return "pump_dump"
	case KindIndicatorConfirmation:
		return "indicator_confirmation"
	default:
		return "unknown"
	}
}

// Result is the outcome of a single detector evaluation. Fired is false
// when the detector did not trigger (including the min-samples warm-up
// edge case), in which case the remaining fields are meaningless.
type Result struct {
	Fired       bool
	Kind        marketevent.AnomalyKind
	Severity    marketevent.Severity
	Metrics     marketevent.Metrics
	Description string
}

func ptr(v float64) *float64 { return &v }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
