// Package pipeline implements the fan-in/fan-out core: one merge loop
// collects decoded events from every exchange stream supervisor, routes
// each through the instrument registry for anomaly detection, and
// republishes both the raw event and any anomalies onto the bus.
// Grounded on WebSocketHandler's single actor loop (one goroutine owns
// all mutable state; everything else talks to it over channels) and
// ArbitrageTriggerDetector's ctx+cancel+sync.WaitGroup lifecycle.
package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"

	"github.com/marketwatch/anomaly-engine/internal/registry"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

// Publisher is the narrow bus-facing interface the pipeline needs;
// bus.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic marketevent.Topic, partitionKey string, payload []byte) error
	Flush(ctx context.Context) error
}

// retryFailureCounter is an optional capability a Publisher may report:
// sends that exhausted their retries inside the publisher's own worker
// goroutines, invisible to Publish's return value. bus.Producer
// implements this via its atomic failed counter.
type retryFailureCounter interface {
	FailedCount() int64
}

// Logger is the narrow structured-logging interface the pipeline needs;
// internal/logging.StandardLogger satisfies it.
type Logger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// Config configures a Pipeline's topic naming and fan-in buffering.
type Config struct {
	TopicPrefix string `mapstructure:"topic_prefix"`
	MergeBuffer int    `mapstructure:"merge_buffer"`
}

// DefaultConfig returns the specification's default topic prefix "mw"
// and a fan-in buffer of 4096.
func DefaultConfig() Config {
	return Config{TopicPrefix: "mw", MergeBuffer: 4096}
}

// Pipeline owns the fan-in merge loop across every added supervisor, and
// the fan-out to the instrument registry and the bus.
type Pipeline struct {
	registry  *registry.Registry
	publisher Publisher
	topics    map[string]marketevent.Topic
	logger    Logger

	merged      chan stream.Output
	supervisors []*stream.Supervisor
	sourceWG    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rejected  atomic.Int64
	anomalies atomic.Int64
	pubErrors atomic.Int64
	ingress   sync.Map // exchangeID string -> *atomic.Int64

	onEvent    func(marketevent.MarketEvent)
	onAnomaly  func(marketevent.AnomalyDetection)
	observerMu sync.RWMutex
}

// SetObservers registers optional callbacks invoked synchronously from
// the run loop after a successful ingest: onEvent for every accepted
// market event, onAnomaly for every detection the event produced. Both
// may be nil. Intended for the control plane's live snapshot/websocket
// feed; callbacks must not block.
func (p *Pipeline) SetObservers(onEvent func(marketevent.MarketEvent), onAnomaly func(marketevent.AnomalyDetection)) {
	p.observerMu.Lock()
	defer p.observerMu.Unlock()
	p.onEvent = onEvent
	p.onAnomaly = onAnomaly
}

// New constructs a Pipeline. Sources must be registered with AddSource
// before Start is called.
func New(reg *registry.Registry, publisher Publisher, cfg Config, logger Logger) *Pipeline {
	if cfg.MergeBuffer <= 0 {
		cfg.MergeBuffer = 4096
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Pipeline{
		registry:  reg,
		publisher: publisher,
		topics:    marketevent.TopicNames(cfg.TopicPrefix),
		logger:    logger,
		merged:    make(chan stream.Output, cfg.MergeBuffer),
	}
}

// AddSource registers a supervisor's output channel with the fan-in
// merge. The forwarding goroutine exits once the supervisor's channel
// closes (i.e. after Stop has fully drained it).
func (p *Pipeline) AddSource(sup *stream.Supervisor) {
	p.supervisors = append(p.supervisors, sup)
	out := sup.Out()
	p.sourceWG.Add(1)
	go func() {
		defer p.sourceWG.Done()
		for o := range out {
			p.merged <- o
		}
	}()
}

// Start launches the merge loop in a background goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
}

// Stop shuts every registered supervisor down, waits for the fan-in to
// drain, then flushes the bus producer so nothing queued is lost.
func (p *Pipeline) Stop(ctx context.Context) error {
	for _, sup := range p.supervisors {
		sup.Stop()
	}
	p.sourceWG.Wait()
	close(p.merged)
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	return p.publisher.Flush(ctx)
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case o, ok := <-p.merged:
			if !ok {
				return
			}
			p.handle(p.ctx, o)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, o stream.Output) {
	if o.Kind == stream.OutputReconnecting {
		p.logger.Warn("exchange reconnecting", "exchange", o.ExchangeID)
		return
	}
	p.ingestItem(ctx, o)
}

func (p *Pipeline) ingestItem(ctx context.Context, o stream.Output) {
	event := o.Event
	if !isValidEvent(event) {
		p.rejected.Add(1)
		p.logger.Warn("rejected malformed or non-finite market event", "exchange", o.ExchangeID, "instrument", event.Instrument.String())
		return
	}

	mon := p.registry.GetOrCreate(event.Instrument)

	var detections []marketevent.AnomalyDetection
	switch event.Kind {
	case marketevent.EventTrade:
		detections = mon.ObserveTrade(event.Trade.Price.InexactFloat64(), event.Trade.Qty.InexactFloat64(), event.ExchangeTime)
		p.publish(ctx, p.topics["market_trades"], event.Instrument.String(), event)
		p.publish(ctx, p.topics["trades"], event.Instrument.String(), event)
	case marketevent.EventBookTop:
		detections = mon.ObserveBookTop(event.BookTop.BidPrice.InexactFloat64(), event.BookTop.AskPrice.InexactFloat64(), event.ExchangeTime)
		p.publish(ctx, p.topics["market_book"], event.Instrument.String(), event)
	default:
		return
	}

	p.incrIngress(o.ExchangeID)
	p.notifyEvent(event)

	for _, d := range detections {
		p.anomalies.Add(1)
		p.publish(ctx, p.topics["anomalies"], event.Instrument.String(), d)
		if isAlertSeverity(d.Severity) {
			p.publish(ctx, p.topics["alerts"], event.Instrument.String(), d)
		}
		p.notifyAnomaly(d)
	}
}

// isAlertSeverity reports whether an anomaly is severe enough to also go
// out on the filtered alerts topic, rather than only the full anomalies
// audit stream.
func isAlertSeverity(s marketevent.Severity) bool {
	return s == marketevent.SeverityHigh || s == marketevent.SeverityCritical
}

func (p *Pipeline) notifyEvent(event marketevent.MarketEvent) {
	p.observerMu.RLock()
	cb := p.onEvent
	p.observerMu.RUnlock()
	if cb != nil {
		cb(event)
	}
}

func (p *Pipeline) notifyAnomaly(d marketevent.AnomalyDetection) {
	p.observerMu.RLock()
	cb := p.onAnomaly
	p.observerMu.RUnlock()
	if cb != nil {
		cb(d)
	}
}

func (p *Pipeline) publish(ctx context.Context, topic marketevent.Topic, key string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal failed", "topic", topic, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, topic, key, payload); err != nil {
		p.pubErrors.Add(1)
		p.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

func (p *Pipeline) incrIngress(exchangeID string) {
	v, _ := p.ingress.LoadOrStore(exchangeID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// IngressCount returns the number of items ingested from exchangeID so
// far.
func (p *Pipeline) IngressCount(exchangeID string) int64 {
	if v, ok := p.ingress.Load(exchangeID); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// IngressCounts returns a snapshot of ingested-item counts keyed by
// exchange id.
func (p *Pipeline) IngressCounts() map[string]int64 {
	out := make(map[string]int64)
	p.ingress.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// RejectedCount returns the number of malformed or non-finite events
// dropped at the ingestion boundary.
func (p *Pipeline) RejectedCount() int64 { return p.rejected.Load() }

// AnomalyCount returns the number of anomaly detections published so
// far.
func (p *Pipeline) AnomalyCount() int64 { return p.anomalies.Load() }

// PublishErrorCount returns the number of publish attempts that failed:
// enqueue-time failures (e.g. a closed producer) plus, when the
// publisher reports a retryFailureCounter, sends that exhausted their
// retries after being accepted onto the queue. Both classes surface
// here so a saturated or unreachable bus is visible to the control
// plane regardless of which stage the failure happened in.
func (p *Pipeline) PublishErrorCount() int64 {
	count := p.pubErrors.Load()
	if rc, ok := p.publisher.(retryFailureCounter); ok {
		count += rc.FailedCount()
	}
	return count
}

// isValidEvent rejects events whose discriminated payload is missing or
// whose numeric fields are non-finite. Decimal fields can never
// themselves carry NaN/Inf (construction would have panicked), so this
// is a defensive check against any future adapter that builds
// MarketEvent by other means.
func isValidEvent(event marketevent.MarketEvent) bool {
	switch event.Kind {
	case marketevent.EventTrade:
		if event.Trade == nil {
			return false
		}
		return isFinite(event.Trade.Price.InexactFloat64()) && isFinite(event.Trade.Qty.InexactFloat64())
	case marketevent.EventBookTop:
		if event.BookTop == nil {
			return false
		}
		return isFinite(event.BookTop.BidPrice.InexactFloat64()) &&
			isFinite(event.BookTop.AskPrice.InexactFloat64()) &&
			isFinite(event.BookTop.BidQty.InexactFloat64()) &&
			isFinite(event.BookTop.AskQty.InexactFloat64())
	default:
		return false
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
