// Package bus implements BusProducer, the durable, partitioned,
// at-least-once publish path. Grounded on
// internal/services/pubsub.Publisher (atomic counters, *redis.Client,
// envelope marshal/publish) and internal/services/jobqueue.Queue
// (bounded-queue-with-retry shape), backed by Redis Streams instead of
// Pub/Sub since the bus needs durability and replay, which Pub/Sub does
// not provide. Partitioning models P partitions per topic as P
// independent streams named "{topic}.{partition}".
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/services/workerpool"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
	"github.com/redis/go-redis/v9"
)

// Logger is the narrow structured-logging interface the producer needs;
// internal/logging.StandardLogger satisfies it.
type Logger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// Config configures a Producer.
type Config struct {
	Partitions     int           `mapstructure:"partitions"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MaxStreamLen   int64         `mapstructure:"max_stream_len"`
	ConsumerGroup  string        `mapstructure:"consumer_group"`
}

// DefaultConfig returns the specification's default bus configuration:
// a bounded queue of 8192 per topic and up to 5 send attempts.
func DefaultConfig() Config {
	return Config{
		Partitions:     4,
		QueueCapacity:  8192,
		Workers:        4,
		MaxRetries:     5,
		RetryBaseDelay: 50 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
		MaxStreamLen:   100_000,
		ConsumerGroup:  "engine",
	}
}

// Producer is a Redis-Streams-backed BusProducer: one bounded, retrying
// flusher pool per topic (adapted from workerpool.Pool), Submit blocking
// on a full queue to apply backpressure rather than drop.
type Producer struct {
	client *redis.Client
	cfg    Config
	logger Logger

	pm        *workerpool.PoolManager
	pmMu      sync.Mutex
	createdMu sync.Mutex
	created   map[marketevent.Topic]bool

	published atomic.Int64
	failed    atomic.Int64
	pending   atomic.Int64
}

// NewProducer constructs a Producer over an already-connected Redis
// client. logger may be nil.
func NewProducer(client *redis.Client, cfg Config, logger Logger) *Producer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Producer{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		pm:      workerpool.NewPoolManager(),
		created: make(map[marketevent.Topic]bool),
	}
}

// CreateTopic idempotently ensures every partition stream for topic
// exists, via XGROUP CREATE ... MKSTREAM; "already exists" is success.
func (p *Producer) CreateTopic(ctx context.Context, topic marketevent.Topic) error {
	p.createdMu.Lock()
	defer p.createdMu.Unlock()

	if p.created[topic] {
		return nil
	}

	for i := 0; i < p.cfg.Partitions; i++ {
		name := partitionStreamName(topic, i)
		err := p.client.XGroupCreateMkStream(ctx, name, p.cfg.ConsumerGroup, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create topic %s partition %d: %w", topic, i, err)
		}
	}

	p.created[topic] = true
	return nil
}

// Publish enqueues payload onto the topic's partition selected by
// fnv32(partitionKey) % Partitions. Enqueue blocks (backpressure) when
// the topic's bounded queue is full, and returns only a queueing error —
// send failures after retry exhaustion happen later, inside the
// flusher's own goroutine, and are logged and counted via FailedCount
// rather than returned here. Callers that need that failure class
// surfaced (e.g. internal/pipeline) read FailedCount directly.
func (p *Producer) Publish(ctx context.Context, topic marketevent.Topic, partitionKey string, payload []byte) error {
	pool, err := p.poolFor(topic)
	if err != nil {
		return err
	}

	streamName := partitionStreamName(topic, partitionOf(partitionKey, p.cfg.Partitions))
	p.pending.Add(1)
	task := workerpool.Task{
		ID: streamName,
		Execute: func() error {
			defer p.pending.Add(-1)
			return p.sendWithRetry(ctx, streamName, payload)
		},
	}
	if err := pool.Submit(task); err != nil {
		p.pending.Add(-1)
		return err
	}
	return nil
}

// PublishedCount returns the number of messages successfully sent.
func (p *Producer) PublishedCount() int64 { return p.published.Load() }

// FailedCount returns the number of messages dropped after exhausting
// retries.
func (p *Producer) FailedCount() int64 { return p.failed.Load() }

// Flush blocks until every message accepted by Publish has been sent or
// has exhausted its retries, or ctx is done.
func (p *Producer) Flush(ctx context.Context) error {
	for {
		if p.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close stops every per-topic flusher pool.
func (p *Producer) Close() error {
	return p.pm.StopAll()
}

func (p *Producer) poolFor(topic marketevent.Topic) (*workerpool.Pool, error) {
	name := string(topic)
	if pool, ok := p.pm.GetPool(name); ok {
		return pool, nil
	}

	p.pmMu.Lock()
	defer p.pmMu.Unlock()
	if pool, ok := p.pm.GetPool(name); ok {
		return pool, nil
	}

	return p.pm.CreatePool(name, workerpool.Config{
		Workers:    p.cfg.Workers,
		QueueSize:  p.cfg.QueueCapacity,
		DropOnFull: false,
	})
}

func (p *Producer) sendWithRetry(ctx context.Context, streamName string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err := p.client.XAdd(sendCtx, &redis.XAddArgs{
			Stream: streamName,
			MaxLen: p.cfg.MaxStreamLen,
			Approx: true,
			Values: map[string]interface{}{"payload": payload},
		}).Err()
		cancel()

		if err == nil {
			p.published.Add(1)
			return nil
		}
		lastErr = err

		if attempt < p.cfg.MaxRetries-1 {
			time.Sleep(retryDelay(attempt, p.cfg.RetryBaseDelay))
		}
	}

	p.failed.Add(1)
	p.logger.Error("bus publish failed after retries", "stream", streamName, "error", lastErr)
	return lastErr
}

func retryDelay(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	const capDelay = 2 * time.Second
	if d > capDelay {
		d = capDelay
	}
	return d
}

func partitionStreamName(topic marketevent.Topic, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

func partitionOf(key string, partitions int) int {
	if partitions <= 0 {
		partitions = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(partitions))
	return idx
}
