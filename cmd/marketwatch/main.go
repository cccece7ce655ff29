// Command marketwatch runs the anomaly-detection engine: one stream
// supervisor per configured exchange feeding a single fan-in/fan-out
// pipeline, a Redis-Streams bus producer republishing raw events and
// detections, and a read-only control plane exposing counters,
// per-instrument stats and a live websocket feed. Grounded on the
// teacher's cmd/server/main.go run() orchestration (load config, init
// Sentry, build the standard logger, wire every dependency, start the
// HTTP server in a goroutine, block on SIGINT/SIGTERM, shut down with a
// bounded deadline).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketwatch/anomaly-engine/internal/bus"
	"github.com/marketwatch/anomaly-engine/internal/config"
	"github.com/marketwatch/anomaly-engine/internal/control"
	"github.com/marketwatch/anomaly-engine/internal/exchangesim"
	"github.com/marketwatch/anomaly-engine/internal/logging"
	"github.com/marketwatch/anomaly-engine/internal/obs"
	"github.com/marketwatch/anomaly-engine/internal/pipeline"
	"github.com/marketwatch/anomaly-engine/internal/registry"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/marketwatch/anomaly-engine/internal/utils"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

const serviceVersion = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := obs.Init(obs.Config(cfg.Sentry), serviceVersion); err != nil {
		fmt.Fprintf(os.Stderr, "marketwatch: sentry init failed: %v\n", err)
	}
	defer obs.Flush(context.Background())

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.Environment == "development"})
	defer func() { _ = logger.Sync() }()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer func() { _ = redisClient.Close() }()

	reg := registry.New(0, cfg.Monitor)
	producer := bus.NewProducer(redisClient, cfg.Bus, logger.WithComponent("bus"))
	pl := pipeline.New(reg, producer, cfg.Pipeline, logger.WithComponent("pipeline"))

	supervisors := make([]*stream.Supervisor, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		subs := make([]stream.Subscription, 0, len(ex.Subscriptions))
		for _, s := range ex.Subscriptions {
			subs = append(subs, stream.Subscription{Base: s.Base, Quote: s.Quote, Kind: marketevent.InstrumentKind(s.Kind)})
		}
		sup := stream.New(stream.Config{
			ExchangeID:    ex.ID,
			Source:        exchangesim.NewWSAdapter(ex.ID, ex.URL),
			Subscriptions: subs,
			Backoff:       cfg.Backoff,
			Logger:        logger.WithComponent("stream").WithExchange(ex.ID),
		})
		supervisors = append(supervisors, sup)
		pl.AddSource(sup)
	}

	snapshotter := control.NewSnapshotter(reg, pl)
	controlServer := control.NewServer(control.Config(cfg.Control), snapshotter, redisClient, logger.WithComponent("control"))
	hub := controlServer.Hub()

	pl.SetObservers(hub.BroadcastEvent, func(a marketevent.AnomalyDetection) {
		snapshotter.RecordAnomaly(a)
		hub.BroadcastAnomaly(a)
		logger.LogAnomalyDetected(a.Instrument.String(), string(a.Kind), string(a.Severity))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshotCtx, stopSnapshots := context.WithCancel(ctx)
	defer stopSnapshots()
	go snapshotter.Run(snapshotCtx, time.Second)

	for _, sup := range supervisors {
		sup.Start(ctx)
	}
	pl.Start(ctx)
	go watchSupervisors(ctx, supervisors, logger, 5*time.Second)

	serverErrs := controlServer.Start()

	safeConfig := utils.RedactMap(map[string]string{
		"redis_addr":     cfg.Redis.Addr,
		"redis_password": cfg.Redis.Password,
		"control_addr":   cfg.Control.Addr,
		"jwt_secret":     cfg.Control.JWTSecret,
		"sentry_dsn":     cfg.Sentry.DSN,
	}, []string{"password", "secret", "dsn"})
	logger.Info("marketwatch started", "exchanges", len(supervisors), "config", safeConfig)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serverErrs:
		if err != nil {
			logger.Error("control server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controlServer.Stop(shutdownCtx); err != nil {
		logger.Error("control server shutdown failed", "error", err)
	}
	if err := pl.Stop(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown failed", "error", err)
	}

	logger.Info("marketwatch stopped")
	return nil
}

// watchSupervisors polls each supervisor's state every interval and
// reports terminal failures to Sentry exactly once; anomaly detection
// keeps running on the remaining exchanges.
func watchSupervisors(ctx context.Context, supervisors []*stream.Supervisor, logger *logging.StandardLogger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reported := make(map[*stream.Supervisor]bool, len(supervisors))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sup := range supervisors {
				if sup.State() != stream.StateFailed || reported[sup] {
					continue
				}
				reported[sup] = true
				logger.LogSupervisorFailed(sup.ExchangeID(), fmt.Errorf("supervisor entered terminal failed state"))
				go obs.CaptureException(ctx, fmt.Errorf("supervisor %s failed", sup.ExchangeID()))
			}
		}
	}
}
