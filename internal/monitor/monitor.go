// Package monitor implements InstrumentMonitor, the stateful per-instrument
// composition of rolling windows and detectors. Grounded on
// ArbitrageTriggerDetector's detection-loop-plus-debounce-window shape and
// ConsecutiveLossTracker's pause-key-with-TTL debounce, reworked from
// Redis-keyed to purely in-memory since the monitor owns no I/O.
package monitor

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/detect"
	"github.com/marketwatch/anomaly-engine/internal/rolling"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// DynamicThresholdConfig configures the monitor's threshold-tightening
// layer, applied on top of the price and volume detectors' own static
// thresholds.
type DynamicThresholdConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	VolumeBaseMultiplier float64 `mapstructure:"volume_base_multiplier"`
	VolumeMaxMultiplier  float64 `mapstructure:"volume_max_multiplier"`
}

// DefaultDynamicThresholdConfig returns dynamic thresholds disabled, with a
// base/max volume multiplier band wide enough to be useful once enabled.
func DefaultDynamicThresholdConfig() DynamicThresholdConfig {
	return DynamicThresholdConfig{
		Enabled:              false,
		VolumeBaseMultiplier: 1.0,
		VolumeMaxMultiplier:  3.0,
	}
}

// Config bundles every detector's configuration plus the monitor-level
// debounce interval and dynamic-threshold toggle.
type Config struct {
	WindowSize        int                     `mapstructure:"window_size"`
	Price             detect.PriceConfig      `mapstructure:"price"`
	Volume            detect.VolumeConfig     `mapstructure:"volume"`
	FlashCrash        detect.FlashCrashConfig `mapstructure:"flash_crash"`
	PumpDump          detect.PumpDumpConfig   `mapstructure:"pump_dump"`
	Indicator         detect.IndicatorConfig  `mapstructure:"indicator"`
	DebounceInterval  time.Duration           `mapstructure:"debounce_interval"`
	DynamicThresholds DynamicThresholdConfig  `mapstructure:"dynamic_thresholds"`
}

// DefaultConfig returns the specification's default configuration: window
// 60, min_samples 30, 2000ms debounce, dynamic thresholds off.
func DefaultConfig() Config {
	return Config{
		WindowSize:        60,
		Price:             detect.DefaultPriceConfig(),
		Volume:            detect.DefaultVolumeConfig(),
		FlashCrash:        detect.DefaultFlashCrashConfig(),
		PumpDump:          detect.DefaultPumpDumpConfig(),
		Indicator:         detect.DefaultIndicatorConfig(),
		DebounceInterval:  2000 * time.Millisecond,
		DynamicThresholds: DefaultDynamicThresholdConfig(),
	}
}

// Stats is the read-only snapshot returned by SnapshotStats.
type Stats struct {
	Instrument    marketevent.InstrumentKey
	TradeCount    uint64
	TotalVolume   float64
	AnomalyCount  uint64
	LastPrice     float64
	HasLastPrice  bool
	PriceStats    rolling.Statistics
	VolumeStats   rolling.Statistics
	PriceChangeStats rolling.Statistics
}

// InstrumentMonitor owns every rolling window and detector for one
// (exchange, base, quote, kind) instrument. It is guarded by its own lock,
// acquired only during observe_* and snapshot_stats — no I/O is ever
// performed while the lock is held.
type InstrumentMonitor struct {
	mu sync.Mutex

	key    marketevent.InstrumentKey
	config Config

	priceWindow       *rolling.Window
	volumeWindow      *rolling.Window
	priceChangeWindow *rolling.Window

	lastPrice    float64
	hasLastPrice bool
	lastAlertAt  time.Time
	hasAlert     bool

	tradeCount   uint64
	totalVolume  float64
	anomalyCount uint64
}

// New creates an InstrumentMonitor for key using cfg.
func New(key marketevent.InstrumentKey, cfg Config) *InstrumentMonitor {
	return &InstrumentMonitor{
		key:               key,
		config:            cfg,
		priceWindow:       rolling.New(cfg.WindowSize),
		volumeWindow:      rolling.New(cfg.WindowSize),
		priceChangeWindow: rolling.New(cfg.WindowSize),
	}
}

// ObserveTrade records one trade and returns any anomalies it produced.
// Firing detectors within the same observation are merged into a single
// AnomalyDetection with a composite description; AnomalyCount still
// increments once per firing detector.
func (m *InstrumentMonitor) ObserveTrade(price, qty float64, exchangeTime time.Time) []marketevent.AnomalyDetection {
	if !isFinite(price) || !isFinite(qty) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tradeCount++
	m.totalVolume += qty

	var pct float64
	if m.hasLastPrice && m.lastPrice != 0 {
		pct = (price - m.lastPrice) / m.lastPrice * 100
	}

	m.priceWindow.PushValue(price, exchangeTime)
	m.volumeWindow.PushValue(qty, exchangeTime)
	if m.hasLastPrice {
		m.priceChangeWindow.PushValue(math.Abs(pct), exchangeTime)
	}

	m.lastPrice = price
	m.hasLastPrice = true

	results := m.runDetectors(pct)
	return m.resolve(results, price, exchangeTime)
}

// ObserveBookTop records a top-of-book update. Only the mid price feeds the
// price/price-change windows; book-top events carry no trade volume, so
// the volume detector is not evaluated for them.
func (m *InstrumentMonitor) ObserveBookTop(bidPrice, askPrice float64, exchangeTime time.Time) []marketevent.AnomalyDetection {
	if !isFinite(bidPrice) || !isFinite(askPrice) {
		return nil
	}
	mid := (bidPrice + askPrice) / 2

	m.mu.Lock()
	defer m.mu.Unlock()

	var pct float64
	if m.hasLastPrice && m.lastPrice != 0 {
		pct = (mid - m.lastPrice) / m.lastPrice * 100
	}

	m.priceWindow.PushValue(mid, exchangeTime)
	if m.hasLastPrice {
		m.priceChangeWindow.PushValue(math.Abs(pct), exchangeTime)
	}

	m.lastPrice = mid
	m.hasLastPrice = true

	priceRes := m.evaluatePrice(pct)
	fcRes := m.evaluateFlashCrash()
	pdRes := m.evaluatePumpDump()

	var results []detect.Result
	for _, r := range []detect.Result{priceRes, fcRes, pdRes} {
		if r.Fired {
			results = append(results, r)
		}
	}
	return m.resolve(results, mid, exchangeTime)
}

// runDetectors evaluates all four core detectors using state already
// pushed onto the windows by the caller.
func (m *InstrumentMonitor) runDetectors(pct float64) []detect.Result {
	var results []detect.Result
	if r := m.evaluateVolume(); r.Fired {
		results = append(results, r)
	}
	if r := m.evaluatePrice(pct); r.Fired {
		results = append(results, r)
	}
	if r := m.evaluateFlashCrash(); r.Fired {
		results = append(results, r)
	}
	if r := m.evaluatePumpDump(); r.Fired {
		results = append(results, r)
	}
	return results
}

func (m *InstrumentMonitor) evaluateVolume() detect.Result {
	r := detect.DetectVolume(m.config.Volume, m.volumeWindow)
	if !r.Fired {
		return r
	}
	if m.config.DynamicThresholds.Enabled && !m.passesDynamicVolumeGate() {
		return detect.Result{}
	}
	return r
}

func (m *InstrumentMonitor) evaluatePrice(pct float64) detect.Result {
	r := detect.DetectPrice(m.config.Price, m.priceChangeWindow, math.Abs(pct))
	if !r.Fired {
		return r
	}
	if m.config.DynamicThresholds.Enabled && !m.passesDynamicPriceGate(math.Abs(pct)) {
		return detect.Result{}
	}
	return r
}

func (m *InstrumentMonitor) evaluateFlashCrash() detect.Result {
	return detect.DetectFlashCrash(m.config.FlashCrash, m.priceWindow.Values())
}

func (m *InstrumentMonitor) evaluatePumpDump() detect.Result {
	return detect.DetectPumpDump(m.config.PumpDump, m.priceWindow.Values())
}

// passesDynamicPriceGate implements spec's double gate: the dynamic
// threshold (mean+2*std, floored at the static threshold) must be
// exceeded, AND the observed magnitude must also exceed the window's p95.
func (m *InstrumentMonitor) passesDynamicPriceGate(absPct float64) bool {
	snap := m.priceChangeWindow.Snapshot()
	dynamicThreshold := math.Max(snap.Mean+2*snap.StdDev, m.config.Price.PctThreshold)
	return absPct >= dynamicThreshold && absPct >= snap.P95
}

// passesDynamicVolumeGate implements spec's dynamic volume multiplier:
// clamp(base*(1.5+min(std/mean,2)), base, max), kept only if the observed
// volume also exceeds 1.5x the window's p95.
func (m *InstrumentMonitor) passesDynamicVolumeGate() bool {
	snap := m.volumeWindow.Snapshot()
	latest, ok := m.volumeWindow.Latest()
	if !ok || snap.Mean == 0 {
		return false
	}

	base := m.config.DynamicThresholds.VolumeBaseMultiplier
	maxMult := m.config.DynamicThresholds.VolumeMaxMultiplier
	ratio := math.Min(snap.StdDev/snap.Mean, 2.0)
	mult := clamp(base*(1.5+ratio), base, maxMult)

	return latest > snap.Mean*mult && latest > snap.P95*1.5
}

// resolve applies debouncing and merges firing detectors into one
// AnomalyDetection, confirming severity via the indicator detector.
func (m *InstrumentMonitor) resolve(results []detect.Result, currentPrice float64, exchangeTime time.Time) []marketevent.AnomalyDetection {
	if len(results) == 0 {
		return nil
	}

	if m.hasAlert && exchangeTime.Sub(m.lastAlertAt) < m.config.DebounceInterval {
		return nil
	}

	m.anomalyCount += uint64(len(results))
	m.lastAlertAt = exchangeTime
	m.hasAlert = true

	detection := m.combine(results, currentPrice)
	return []marketevent.AnomalyDetection{detection}
}

func (m *InstrumentMonitor) combine(results []detect.Result, currentPrice float64) marketevent.AnomalyDetection {
	kind := results[0].Kind
	severity := results[0].Severity
	metrics := results[0].Metrics
	descriptions := make([]string, 0, len(results))

	for _, r := range results {
		descriptions = append(descriptions, r.Description)
		if severityRank(r.Severity) > severityRank(severity) {
			severity = r.Severity
			metrics = r.Metrics
		}
	}
	if len(results) > 1 {
		kind = marketevent.AnomalyUnusualActivity
	}

	severity = detect.Confirm(m.config.Indicator, m.priceWindow.Values(), currentPrice, severity)

	return marketevent.NewAnomalyDetection(m.key, kind, severity, metrics, strings.Join(descriptions, "; "))
}

// SnapshotStats returns a read-only view of the monitor's counters and
// window statistics.
func (m *InstrumentMonitor) SnapshotStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Instrument:       m.key,
		TradeCount:       m.tradeCount,
		TotalVolume:      m.totalVolume,
		AnomalyCount:     m.anomalyCount,
		LastPrice:        m.lastPrice,
		HasLastPrice:     m.hasLastPrice,
		PriceStats:       m.priceWindow.Snapshot(),
		VolumeStats:      m.volumeWindow.Snapshot(),
		PriceChangeStats: m.priceChangeWindow.Snapshot(),
	}
}

// Reset empties every window and counter, as if the monitor were newly
// created for the same key.
func (m *InstrumentMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.priceWindow.Reset()
	m.volumeWindow.Reset()
	m.priceChangeWindow.Reset()
	m.hasLastPrice = false
	m.lastPrice = 0
	m.hasAlert = false
	m.tradeCount = 0
	m.totalVolume = 0
	m.anomalyCount = 0
}

func severityRank(s marketevent.Severity) int {
	switch s {
	case marketevent.SeverityCritical:
		return 3
	case marketevent.SeverityHigh:
		return 2
	case marketevent.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
