package obs

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Logger is the narrow logging interface ResourceReporter needs.
type Logger interface {
	Warn(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{}) {}

// ResourceStats is a point-in-time sample of process resource usage.
type ResourceStats struct {
	SampledAt  time.Time `json:"sampled_at"`
	Goroutines int       `json:"goroutines"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}

// ResourceReporter periodically samples the current process's CPU,
// memory and goroutine count, grounded on the teacher's go.mod carrying
// gopsutil/v3 as a direct dependency with no surviving call site in this
// retrieval — this is its first home in the engine. Run stores each
// sample for Current to read; /healthz does not include these samples.
type ResourceReporter struct {
	proc    *process.Process
	logger  Logger
	current atomic.Pointer[ResourceStats]
}

// NewResourceReporter opens a gopsutil handle on the current process.
func NewResourceReporter(logger Logger) (*ResourceReporter, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	r := &ResourceReporter{proc: proc, logger: logger}
	r.current.Store(&ResourceStats{SampledAt: time.Now()})
	return r, nil
}

// Run samples immediately, then on every tick of interval, until ctx is
// cancelled.
func (r *ResourceReporter) Run(ctx context.Context, interval time.Duration) {
	r.sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *ResourceReporter) sample() {
	stats := ResourceStats{SampledAt: time.Now(), Goroutines: runtime.NumGoroutine()}

	if cpuPct, err := r.proc.CPUPercent(); err != nil {
		r.logger.Warn("cpu sample failed", "error", err)
	} else {
		stats.CPUPercent = cpuPct
	}

	if mem, err := r.proc.MemoryInfo(); err != nil {
		r.logger.Warn("memory sample failed", "error", err)
	} else if mem != nil {
		stats.RSSBytes = mem.RSS
	}

	r.current.Store(&stats)
}

// Current returns the most recent resource sample.
func (r *ResourceReporter) Current() ResourceStats { return *r.current.Load() }
