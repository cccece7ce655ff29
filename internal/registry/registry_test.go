package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/monitor"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(symbol string) marketevent.InstrumentKey {
	return marketevent.InstrumentKey{
		Exchange: "binance",
		Base:     symbol,
		Quote:    "USDT",
		Kind:     marketevent.KindSpot,
	}
}

func TestGetOrCreate_ReturnsSameInstanceForSameKey(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	a := r.GetOrCreate(key("BTC"))
	b := r.GetOrCreate(key("BTC"))
	assert.Same(t, a, b)
}

func TestGetOrCreate_DistinctKeysGetDistinctMonitors(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	a := r.GetOrCreate(key("BTC"))
	b := r.GetOrCreate(key("ETH"))
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestLookup_MissingKeyReturnsFalse(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	_, ok := r.Lookup(key("BTC"))
	assert.False(t, ok)
}

func TestLookup_ExistingKeyReturnsTrue(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	created := r.GetOrCreate(key("BTC"))
	found, ok := r.Lookup(key("BTC"))
	require.True(t, ok)
	assert.Same(t, created, found)
}

func TestGetOrCreate_ConcurrentCreationYieldsSingleMonitor(t *testing.T) {
	r := New(8, monitor.DefaultConfig())
	k := key("BTC")

	var wg sync.WaitGroup
	results := make([]*monitor.InstrumentMonitor, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.GetOrCreate(k)
		}(i)
	}
	wg.Wait()

	for _, m := range results {
		assert.Same(t, results[0], m)
	}
	assert.Equal(t, 1, r.Len())
}

func TestForEach_VisitsEveryMonitor(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	r.GetOrCreate(key("BTC"))
	r.GetOrCreate(key("ETH"))
	r.GetOrCreate(key("SOL"))

	seen := map[marketevent.InstrumentKey]bool{}
	r.ForEach(func(k marketevent.InstrumentKey, m *monitor.InstrumentMonitor) {
		seen[k] = true
	})
	assert.Len(t, seen, 3)
}

func TestNew_DefaultsShardCountWhenNonPositive(t *testing.T) {
	r := New(0, monitor.DefaultConfig())
	assert.NotEmpty(t, r.shards)
}

func TestRegistry_MonitorIsLiveAndObservable(t *testing.T) {
	r := New(4, monitor.DefaultConfig())
	m := r.GetOrCreate(key("BTC"))
	m.ObserveTrade(100.0, 1.0, time.Now())

	found, ok := r.Lookup(key("BTC"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), found.SnapshotStats().TradeCount)
}
