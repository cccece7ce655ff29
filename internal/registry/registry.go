// Package registry implements DetectorRegistry, the sharded map of
// InstrumentMonitors keyed by instrument fingerprint. Grounded on the
// teacher's sync.RWMutex-guarded history maps (MarketDataQualityService's
// priceHistory/volumeHistory), generalized into S independent shards to
// reduce lock contention under many concurrently-observed instruments.
package registry

import (
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/marketwatch/anomaly-engine/internal/monitor"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

type shard struct {
	mu       sync.RWMutex
	monitors map[marketevent.InstrumentKey]*monitor.InstrumentMonitor
}

// Registry is a sharded map of InstrumentMonitor, keyed by InstrumentKey.
// Lookup takes a read lock; creation on miss takes a write lock and
// rechecks for a concurrent winner before allocating. The registry never
// evicts — monitors live for the lifetime of the process.
type Registry struct {
	shards []shard
	config monitor.Config
}

// New creates a Registry with shardCount independent shards, each holding
// monitors constructed with cfg. A shardCount <= 0 defaults to 2*GOMAXPROCS,
// matching the specification's S ~= 2*cores sizing.
func New(shardCount int, cfg monitor.Config) *Registry {
	if shardCount <= 0 {
		shardCount = 2 * runtime.GOMAXPROCS(0)
	}
	if shardCount < 1 {
		shardCount = 1
	}

	r := &Registry{
		shards: make([]shard, shardCount),
		config: cfg,
	}
	for i := range r.shards {
		r.shards[i].monitors = make(map[marketevent.InstrumentKey]*monitor.InstrumentMonitor)
	}
	return r
}

// GetOrCreate returns the InstrumentMonitor for key, creating it under a
// write lock on first observation and never destroying it afterward.
func (r *Registry) GetOrCreate(key marketevent.InstrumentKey) *monitor.InstrumentMonitor {
	s := r.shardFor(key)

	s.mu.RLock()
	m, ok := s.monitors[key]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[key]; ok {
		return m
	}
	m = monitor.New(key, r.config)
	s.monitors[key] = m
	return m
}

// Lookup returns the existing monitor for key without creating one.
func (r *Registry) Lookup(key marketevent.InstrumentKey) (*monitor.InstrumentMonitor, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[key]
	return m, ok
}

// Len returns the total number of monitors across all shards.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		total += len(r.shards[i].monitors)
		r.shards[i].mu.RUnlock()
	}
	return total
}

// ForEach invokes fn for every (key, monitor) pair currently registered.
// fn must not call back into the registry; each shard's read lock is held
// for the duration of its own iteration.
func (r *Registry) ForEach(fn func(marketevent.InstrumentKey, *monitor.InstrumentMonitor)) {
	for i := range r.shards {
		r.shards[i].mu.RLock()
		for k, m := range r.shards[i].monitors {
			fn(k, m)
		}
		r.shards[i].mu.RUnlock()
	}
}

func (r *Registry) shardFor(key marketevent.InstrumentKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	idx := int(h.Sum32()) % len(r.shards)
	if idx < 0 {
		idx += len(r.shards)
	}
	return &r.shards[idx]
}
