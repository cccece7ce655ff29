// Package config loads the engine's configuration via viper: defaults,
// an optional JSON file under $HOME/.marketwatch, then environment
// variables, in increasing order of precedence. Grounded on the
// teacher's internal/config.Load idiom (nested mapstructure-tagged
// config structs, automatic env binding, home-dir config file search),
// generalized to this system's own surface.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marketwatch/anomaly-engine/internal/bus"
	"github.com/marketwatch/anomaly-engine/internal/monitor"
	"github.com/marketwatch/anomaly-engine/internal/pipeline"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/spf13/viper"
)

// RedisConfig configures the shared Redis client used by both the bus
// producer and, indirectly, rate limiting in the control plane.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SubscriptionConfig names one instrument an exchange adapter should
// stream.
type SubscriptionConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
	Kind  string `mapstructure:"kind"`
}

// ExchangeConfig configures one exchange stream supervisor and its
// adapter.
type ExchangeConfig struct {
	ID            string               `mapstructure:"id"`
	URL           string               `mapstructure:"url"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

// ControlConfig configures the read-only HTTP/websocket control plane.
type ControlConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SentryConfig configures error/breadcrumb reporting.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Config is the engine's complete, validated configuration tree.
// Detector, monitor, pipeline, bus and backoff sections reuse the
// mapstructure-tagged Config types each owning package already defines,
// rather than duplicating their fields here.
type Config struct {
	Environment string               `mapstructure:"environment"`
	LogLevel    string               `mapstructure:"log_level"`
	Redis       RedisConfig          `mapstructure:"redis"`
	Exchanges   []ExchangeConfig     `mapstructure:"exchanges"`
	Monitor     monitor.Config       `mapstructure:"monitor"`
	Pipeline    pipeline.Config      `mapstructure:"pipeline"`
	Bus         bus.Config           `mapstructure:"bus"`
	Backoff     stream.BackoffConfig `mapstructure:"backoff"`
	Control     ControlConfig        `mapstructure:"control"`
	Sentry      SentryConfig         `mapstructure:"sentry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("exchanges", []map[string]interface{}{})

	v.SetDefault("monitor.window_size", 60)
	v.SetDefault("monitor.debounce_interval", 2000*time.Millisecond)
	v.SetDefault("monitor.price.pct_threshold", 5.0)
	v.SetDefault("monitor.price.z_threshold", 3.0)
	v.SetDefault("monitor.price.window", 60)
	v.SetDefault("monitor.price.min_samples", 30)
	v.SetDefault("monitor.volume.z_threshold", 3.0)
	v.SetDefault("monitor.volume.min_pct_change", 200.0)
	v.SetDefault("monitor.volume.window", 60)
	v.SetDefault("monitor.volume.min_samples", 30)
	v.SetDefault("monitor.flash_crash.lookback_samples", 5)
	v.SetDefault("monitor.flash_crash.drop_threshold_pct", 10.0)
	v.SetDefault("monitor.flash_crash.recovery_floor", 0.9)
	v.SetDefault("monitor.pump_dump.lookback_samples", 20)
	v.SetDefault("monitor.pump_dump.pump_threshold_pct", 20.0)
	v.SetDefault("monitor.pump_dump.dump_threshold_pct", 15.0)
	v.SetDefault("monitor.pump_dump.peak_band_low", 6)
	v.SetDefault("monitor.pump_dump.peak_band_high", 14)
	v.SetDefault("monitor.indicator.period", 12)
	v.SetDefault("monitor.indicator.deviation_threshold_pct", 1.5)
	v.SetDefault("monitor.dynamic_thresholds.enabled", false)
	v.SetDefault("monitor.dynamic_thresholds.volume_base_multiplier", 1.0)
	v.SetDefault("monitor.dynamic_thresholds.volume_max_multiplier", 3.0)

	v.SetDefault("pipeline.topic_prefix", "mw")
	v.SetDefault("pipeline.merge_buffer", 4096)

	v.SetDefault("bus.partitions", 4)
	v.SetDefault("bus.queue_capacity", 8192)
	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.max_retries", 5)
	v.SetDefault("bus.retry_base_delay", 50*time.Millisecond)
	v.SetDefault("bus.publish_timeout", 5*time.Second)
	v.SetDefault("bus.max_stream_len", 100_000)
	v.SetDefault("bus.consumer_group", "engine")

	v.SetDefault("backoff.base_ms", 500*time.Millisecond)
	v.SetDefault("backoff.factor", 2.0)
	v.SetDefault("backoff.cap_ms", 30*time.Second)
	v.SetDefault("backoff.jitter", 0.2)

	v.SetDefault("control.addr", ":8081")
	v.SetDefault("control.jwt_secret", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.sample_rate", 1.0)
}

// Load builds a Config from defaults, an optional
// $HOME/.marketwatch/config.json file, and environment variables
// (highest precedence), then validates cross-field constraints.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("json")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.marketwatch")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Monitor.Price.Window <= cfg.Monitor.Price.MinSamples {
		return fmt.Errorf("monitor.price.window must be greater than monitor.price.min_samples")
	}
	if cfg.Monitor.Volume.Window <= cfg.Monitor.Volume.MinSamples {
		return fmt.Errorf("monitor.volume.window must be greater than monitor.volume.min_samples")
	}
	for _, ex := range cfg.Exchanges {
		if strings.TrimSpace(ex.ID) == "" {
			return fmt.Errorf("exchanges[].id is required")
		}
		if strings.TrimSpace(ex.URL) == "" {
			return fmt.Errorf("exchanges[%s].url is required", ex.ID)
		}
	}
	if cfg.Bus.Partitions <= 0 {
		return fmt.Errorf("bus.partitions must be positive")
	}
	if cfg.Environment == "production" && strings.TrimSpace(cfg.Control.JWTSecret) == "" {
		return fmt.Errorf("control.jwt_secret is required in production")
	}
	return nil
}
