package monitor

import (
	"testing"
	"time"

	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() marketevent.InstrumentKey {
	return marketevent.InstrumentKey{
		Exchange: "binance",
		Base:     "BTC",
		Quote:    "USDT",
		Kind:     marketevent.KindSpot,
	}
}

// S1: volume spike at constant price should fire exactly once.
func TestObserveTrade_S1_VolumeSpike(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()

	var last []marketevent.AnomalyDetection
	for i := 0; i < 31; i++ {
		last = m.ObserveTrade(100.0, 1.0, now.Add(time.Duration(i)*time.Second))
		assert.Empty(t, last)
	}

	last = m.ObserveTrade(100.0, 20.0, now.Add(31*time.Second))
	require.Len(t, last, 1)
	assert.Contains(t, []marketevent.AnomalyKind{marketevent.AnomalyVolumeSpike, marketevent.AnomalyUnusualActivity}, last[0].Kind)
}

// S5: two volume spikes within the debounce window produce exactly one
// emission.
func TestObserveTrade_S5_Debounce(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()

	for i := 0; i < 31; i++ {
		m.ObserveTrade(100.0, 1.0, now.Add(time.Duration(i)*time.Second))
	}

	first := m.ObserveTrade(100.0, 20.0, now.Add(31*time.Second))
	require.Len(t, first, 1)

	second := m.ObserveTrade(100.0, 20.0, now.Add(31500*time.Millisecond))
	assert.Empty(t, second, "second spike within 2s of the first must be debounced")

	third := m.ObserveTrade(100.0, 20.0, now.Add(34*time.Second))
	assert.Len(t, third, 1, "a third spike after the debounce window should fire again")
}

func TestObserveTrade_BelowMinSamplesNeverFires(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		result := m.ObserveTrade(100.0, 1.0, now.Add(time.Duration(i)*time.Second))
		assert.Empty(t, result)
	}
}

func TestObserveTrade_FlashCrash(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()

	prices := []float64{100, 101, 99, 88, 85}
	var last []marketevent.AnomalyDetection
	for i, p := range prices {
		last = m.ObserveTrade(p, 1.0, now.Add(time.Duration(i)*time.Second))
	}
	require.Len(t, last, 1)
	assert.Equal(t, marketevent.SeverityCritical, last[0].Severity)
}

func TestSnapshotStats_ReflectsObservations(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()
	m.ObserveTrade(100.0, 2.0, now)
	m.ObserveTrade(101.0, 3.0, now.Add(time.Second))

	stats := m.SnapshotStats()
	assert.Equal(t, uint64(2), stats.TradeCount)
	assert.Equal(t, 5.0, stats.TotalVolume)
	assert.True(t, stats.HasLastPrice)
	assert.Equal(t, 101.0, stats.LastPrice)
}

func TestReset_ClearsState(t *testing.T) {
	m := New(testKey(), DefaultConfig())
	now := time.Now()
	m.ObserveTrade(100.0, 2.0, now)

	m.Reset()

	stats := m.SnapshotStats()
	assert.Equal(t, uint64(0), stats.TradeCount)
	assert.False(t, stats.HasLastPrice)
}
