// Package control implements the read-only HTTP/websocket control plane:
// a gin router serving point-in-time counters, per-instrument stats and
// recent anomalies, plus a live websocket feed. It never touches the
// instrument registry's locks directly; instead it reads an
// atomically-swapped Snapshot the Snapshotter rebuilds once a second from
// the pipeline and registry, the same "one owner, everyone else reads a
// copy" shape as the teacher's WebSocketHandler actor loop.
package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/monitor"
	"github.com/marketwatch/anomaly-engine/internal/registry"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

const maxRecentAnomalies = 200

// CounterSnapshot mirrors the pipeline's running counters at the time the
// snapshot was built.
type CounterSnapshot struct {
	Ingress          map[string]int64 `json:"ingress"`
	Rejected         int64            `json:"rejected"`
	AnomaliesEmitted int64            `json:"anomalies_emitted"`
	PublishErrors    int64            `json:"publish_errors"`
}

// Snapshot is the read model the control plane serves. It is rebuilt
// wholesale and swapped atomically; handlers never mutate it.
type Snapshot struct {
	GeneratedAt     time.Time                      `json:"generated_at"`
	Counters        CounterSnapshot                `json:"counters"`
	Instruments     []monitor.Stats                `json:"instruments"`
	RecentAnomalies []marketevent.AnomalyDetection  `json:"recent_anomalies"`
}

// pipelineSource is the narrow view of the pipeline the snapshotter needs.
type pipelineSource interface {
	IngressCounts() map[string]int64
	RejectedCount() int64
	AnomalyCount() int64
	PublishErrorCount() int64
}

// Snapshotter periodically rebuilds a Snapshot from the registry and
// pipeline counters, and accumulates a bounded ring of recently-fired
// anomalies fed to it by RecordAnomaly. Callers are expected to wire
// RecordAnomaly into the pipeline's anomaly observer themselves (see
// cmd/marketwatch), alongside anything else (e.g. the websocket hub)
// that also wants to observe the same stream.
type Snapshotter struct {
	registry *registry.Registry
	pipeline pipelineSource

	anomaliesMu sync.Mutex
	anomalies   []marketevent.AnomalyDetection

	current atomic.Pointer[Snapshot]
}

// NewSnapshotter constructs a Snapshotter over reg and pl. Call Run to
// begin periodic rebuilds.
func NewSnapshotter(reg *registry.Registry, pl pipelineSource) *Snapshotter {
	s := &Snapshotter{registry: reg, pipeline: pl}
	s.current.Store(&Snapshot{GeneratedAt: time.Now()})
	return s
}

// RecordAnomaly appends a to the bounded recent-anomalies ring the next
// rebuild will serve.
func (s *Snapshotter) RecordAnomaly(a marketevent.AnomalyDetection) {
	s.anomaliesMu.Lock()
	defer s.anomaliesMu.Unlock()
	s.anomalies = append(s.anomalies, a)
	if len(s.anomalies) > maxRecentAnomalies {
		s.anomalies = s.anomalies[len(s.anomalies)-maxRecentAnomalies:]
	}
}

// Run rebuilds the snapshot immediately, then on every tick of interval,
// until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	s.rebuild()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rebuild()
		}
	}
}

func (s *Snapshotter) rebuild() {
	instruments := make([]monitor.Stats, 0, s.registry.Len())
	s.registry.ForEach(func(_ marketevent.InstrumentKey, m *monitor.InstrumentMonitor) {
		instruments = append(instruments, m.SnapshotStats())
	})

	s.anomaliesMu.Lock()
	anomalies := make([]marketevent.AnomalyDetection, len(s.anomalies))
	copy(anomalies, s.anomalies)
	s.anomaliesMu.Unlock()

	s.current.Store(&Snapshot{
		GeneratedAt: time.Now(),
		Counters: CounterSnapshot{
			Ingress:          s.pipeline.IngressCounts(),
			Rejected:         s.pipeline.RejectedCount(),
			AnomaliesEmitted: s.pipeline.AnomalyCount(),
			PublishErrors:    s.pipeline.PublishErrorCount(),
		},
		Instruments:     instruments,
		RecentAnomalies: anomalies,
	})
}

// Current returns the most recently built Snapshot. Safe for concurrent
// use; never blocks on the registry or pipeline.
func (s *Snapshotter) Current() *Snapshot { return s.current.Load() }

// InstrumentStats finds a single instrument's stats in the current
// snapshot by its canonical key string ("exchange:base/quote:kind").
func (s *Snapshotter) InstrumentStats(key string) (monitor.Stats, bool) {
	snap := s.Current()
	for _, st := range snap.Instruments {
		if st.Instrument.String() == key {
			return st, true
		}
	}
	return monitor.Stats{}, false
}
