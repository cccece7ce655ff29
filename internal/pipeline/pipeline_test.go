package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/monitor"
	"github.com/marketwatch/anomaly-engine/internal/registry"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMsg struct {
	topic   marketevent.Topic
	key     string
	payload []byte
}

type fakePublisher struct {
	mu          sync.Mutex
	published   []publishedMsg
	flushed     int
	failNext    bool
	retryFailed int64
}

func (f *fakePublisher) Publish(ctx context.Context, topic marketevent.Topic, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("publish boom")
	}
	f.published = append(f.published, publishedMsg{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

// FailedCount reports retry-exhaustion failures that never flowed
// through Publish's return value, mirroring bus.Producer's own counter.
func (f *fakePublisher) FailedCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryFailed
}

func (f *fakePublisher) setRetryFailed(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryFailed = n
}

func (f *fakePublisher) snapshot() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMsg, len(f.published))
	copy(out, f.published)
	return out
}

// testSource is a minimal stream.Source that replays a fixed queue of
// events, then blocks until its context is cancelled.
type testSource struct {
	queue chan marketevent.MarketEvent
}

func newTestSource(events ...marketevent.MarketEvent) *testSource {
	ch := make(chan marketevent.MarketEvent, len(events)+1)
	for _, e := range events {
		ch <- e
	}
	return &testSource{queue: ch}
}

func (s *testSource) Dial(ctx context.Context) error { return nil }

func (s *testSource) SetSubscriptions(ctx context.Context, subs []stream.Subscription) error {
	return nil
}

func (s *testSource) Recv(ctx context.Context) (marketevent.MarketEvent, error) {
	select {
	case e := <-s.queue:
		return e, nil
	case <-ctx.Done():
		return marketevent.MarketEvent{}, ctx.Err()
	}
}

func (s *testSource) Close() error { return nil }

func newTestSupervisor(exchangeID string, src stream.Source) *stream.Supervisor {
	return stream.New(stream.Config{
		ExchangeID: exchangeID,
		Source:     src,
		Backoff:    stream.BackoffConfig{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond},
	})
}

func testKey(base string) marketevent.InstrumentKey {
	return marketevent.InstrumentKey{Exchange: "sim", Base: base, Quote: "USDT", Kind: marketevent.KindSpot}
}

func TestPipeline_PublishesTradeAndUpdatesIngress(t *testing.T) {
	key := testKey("BTC")
	ev := marketevent.NewTrade(key, time.Now(), 100, 1, marketevent.SideBuy)

	sup := newTestSupervisor("sim", newTestSource(ev))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.IngressCount("sim") == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs := pub.snapshot()
	require.Len(t, msgs, 2)
	var topics []marketevent.Topic
	for _, m := range msgs {
		topics = append(topics, m.topic)
		assert.Equal(t, key.String(), m.key)
	}
	assert.ElementsMatch(t, []marketevent.Topic{"mw.market.trades", "mw.trades"}, topics)
}

func TestPipeline_RejectsMalformedTrade(t *testing.T) {
	key := testKey("BTC")
	bad := marketevent.MarketEvent{Instrument: key, Kind: marketevent.EventTrade, ExchangeTime: time.Now()}

	sup := newTestSupervisor("sim", newTestSource(bad))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.RejectedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, pub.snapshot())
	assert.EqualValues(t, 0, p.IngressCount("sim"))
}

func TestPipeline_PublishesAnomalyOnVolumeSpike(t *testing.T) {
	key := testKey("BTC")
	events := make([]marketevent.MarketEvent, 0, 32)
	base := time.Now()
	for i := 0; i < 31; i++ {
		events = append(events, marketevent.NewTrade(key, base.Add(time.Duration(i)*time.Second), 100, 1.0, marketevent.SideBuy))
	}
	events = append(events, marketevent.NewTrade(key, base.Add(31*time.Second), 100, 20.0, marketevent.SideBuy))

	sup := newTestSupervisor("sim", newTestSource(events...))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.AnomalyCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	var sawAnomaly bool
	for _, m := range pub.snapshot() {
		if m.topic == marketevent.Topic("mw.anomalies") {
			sawAnomaly = true
			assert.Equal(t, key.String(), m.key)
		}
	}
	assert.True(t, sawAnomaly)
}

func TestPipeline_PublishesHighSeverityAnomalyToAlerts(t *testing.T) {
	key := testKey("BTC")
	events := make([]marketevent.MarketEvent, 0, 32)
	base := time.Now()
	for i := 0; i < 31; i++ {
		events = append(events, marketevent.NewTrade(key, base.Add(time.Duration(i)*time.Second), 100, 1.0, marketevent.SideBuy))
	}
	events = append(events, marketevent.NewTrade(key, base.Add(31*time.Second), 100, 100.0, marketevent.SideBuy))

	sup := newTestSupervisor("sim", newTestSource(events...))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.AnomalyCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	var sawAnomaly, sawAlert bool
	for _, m := range pub.snapshot() {
		switch m.topic {
		case marketevent.Topic("mw.anomalies"):
			sawAnomaly = true
		case marketevent.Topic("mw.alerts"):
			sawAlert = true
		}
	}
	assert.True(t, sawAnomaly)
	assert.True(t, sawAlert)
}

func TestPipeline_PublishErrorIsCountedAndNonFatal(t *testing.T) {
	key := testKey("BTC")
	ev := marketevent.NewTrade(key, time.Now(), 100, 1, marketevent.SideBuy)

	sup := newTestSupervisor("sim", newTestSource(ev))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{failNext: true}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.PublishErrorCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, p.IngressCount("sim"))
}

func TestPipeline_PublishErrorCount_IncludesPublisherRetryExhaustion(t *testing.T) {
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)

	assert.EqualValues(t, 0, p.PublishErrorCount())

	pub.setRetryFailed(3)
	assert.EqualValues(t, 3, p.PublishErrorCount())

	pub.failNext = true
	ctx := context.Background()
	p.publish(ctx, marketevent.Topic("mw.trades"), "k", marketevent.MarketEvent{})
	assert.EqualValues(t, 4, p.PublishErrorCount())
}

func TestPipeline_ObserversReceiveEventsAndAnomalies(t *testing.T) {
	key := testKey("BTC")
	events := make([]marketevent.MarketEvent, 0, 32)
	base := time.Now()
	for i := 0; i < 31; i++ {
		events = append(events, marketevent.NewTrade(key, base.Add(time.Duration(i)*time.Second), 100, 1.0, marketevent.SideBuy))
	}
	events = append(events, marketevent.NewTrade(key, base.Add(31*time.Second), 100, 20.0, marketevent.SideBuy))

	sup := newTestSupervisor("sim", newTestSource(events...))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	var mu sync.Mutex
	var seenEvents, seenAnomalies int
	p.SetObservers(func(marketevent.MarketEvent) {
		mu.Lock()
		seenEvents++
		mu.Unlock()
	}, func(marketevent.AnomalyDetection) {
		mu.Lock()
		seenAnomalies++
		mu.Unlock()
	})

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seenEvents == 32 && seenAnomalies >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_IngressCounts_ReportsPerExchange(t *testing.T) {
	key := testKey("BTC")
	ev := marketevent.NewTrade(key, time.Now(), 100, 1, marketevent.SideBuy)

	sup := newTestSupervisor("sim", newTestSource(ev))
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)
	p.AddSource(sup)

	ctx := context.Background()
	sup.Start(ctx)
	p.Start(ctx)
	defer func() { _ = p.Stop(ctx) }()

	assert.Eventually(t, func() bool { return p.IngressCounts()["sim"] == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_StopFlushesPublisher(t *testing.T) {
	reg := registry.New(1, monitor.DefaultConfig())
	pub := &fakePublisher{}
	p := New(reg, pub, DefaultConfig(), nil)

	ctx := context.Background()
	p.Start(ctx)
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, 1, pub.flushed)
}
