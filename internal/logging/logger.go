// Package logging implements StandardLogger, the zap-backed structured
// logger shared by every package in the engine. Grounded on the
// teacher's zaplogrus.Logger (JSON production encoder, AtomicLevel,
// caller/stacktrace options, With-chain entries), reworked from a
// logrus-compatibility facade into a narrow domain-aware logger with
// chainable With* context builders.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures a StandardLogger.
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StandardLogger wraps a zap.SugaredLogger with domain-specific With*
// context builders. Every With* method returns a new StandardLogger;
// the receiver is left unmodified.
type StandardLogger struct {
	base        *zap.Logger
	sugar       *zap.SugaredLogger
	atomicLevel zap.AtomicLevel
}

// New builds a StandardLogger writing JSON to stdout at cfg.Level.
func New(cfg Config) *StandardLogger {
	atomicLevel := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stdout), atomicLevel)

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if !cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	base := zap.New(core, opts...)
	return &StandardLogger{base: base, sugar: base.Sugar(), atomicLevel: atomicLevel}
}

// Logger exposes the underlying *zap.Logger for callers (e.g. gin's
// logger middleware) that need it directly.
func (l *StandardLogger) Logger() *zap.Logger { return l.base }

// SetLevel adjusts the logger's minimum level at runtime.
func (l *StandardLogger) SetLevel(level string) { l.atomicLevel.SetLevel(parseLevel(level)) }

// Sync flushes any buffered log entries.
func (l *StandardLogger) Sync() error { return l.base.Sync() }

func (l *StandardLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *StandardLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *StandardLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *StandardLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }
func (l *StandardLogger) Fatal(msg string, args ...interface{}) { l.sugar.Fatalw(msg, args...) }

func (l *StandardLogger) with(key string, value interface{}) *StandardLogger {
	return &StandardLogger{base: l.base, sugar: l.sugar.With(key, value), atomicLevel: l.atomicLevel}
}

// WithService scopes subsequent log entries to a named service.
func (l *StandardLogger) WithService(name string) *StandardLogger { return l.with("service", name) }

// WithComponent scopes subsequent log entries to a named package or
// subsystem (e.g. "stream", "monitor", "bus").
func (l *StandardLogger) WithComponent(name string) *StandardLogger { return l.with("component", name) }

// WithOperation scopes subsequent log entries to a named operation.
func (l *StandardLogger) WithOperation(name string) *StandardLogger { return l.with("operation", name) }

// WithRequestID tags subsequent log entries with a request identifier.
func (l *StandardLogger) WithRequestID(id string) *StandardLogger { return l.with("request_id", id) }

// WithUserID tags subsequent log entries with a user identifier.
func (l *StandardLogger) WithUserID(id string) *StandardLogger { return l.with("user_id", id) }

// WithExchange tags subsequent log entries with an exchange id.
func (l *StandardLogger) WithExchange(exchange string) *StandardLogger {
	return l.with("exchange", exchange)
}

// WithSymbol tags subsequent log entries with an instrument fingerprint.
func (l *StandardLogger) WithSymbol(symbol string) *StandardLogger { return l.with("symbol", symbol) }

// WithError tags subsequent log entries with err's message. A nil err
// leaves the logger unchanged.
func (l *StandardLogger) WithError(err error) *StandardLogger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// WithMetrics attaches a set of numeric/structured metrics to
// subsequent log entries.
func (l *StandardLogger) WithMetrics(metrics map[string]interface{}) *StandardLogger {
	return l.withFields(metrics)
}

// WithFields attaches an arbitrary set of structured fields to
// subsequent log entries.
func (l *StandardLogger) WithFields(fields map[string]interface{}) *StandardLogger {
	return l.withFields(fields)
}

func (l *StandardLogger) withFields(fields map[string]interface{}) *StandardLogger {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &StandardLogger{base: l.base, sugar: l.sugar.With(kv...), atomicLevel: l.atomicLevel}
}

// LogAnomalyDetected records a fired anomaly at info level.
func (l *StandardLogger) LogAnomalyDetected(instrument, kind, severity string) {
	l.WithComponent("monitor").Info("anomaly detected", "instrument", instrument, "kind", kind, "severity", severity)
}

// LogSupervisorReconnect records a supervisor's reconnect attempt.
func (l *StandardLogger) LogSupervisorReconnect(exchange string, attempt int) {
	l.WithComponent("stream").WithExchange(exchange).Warn("supervisor reconnecting", "attempt", attempt)
}

// LogSupervisorFailed records a supervisor's terminal failure.
func (l *StandardLogger) LogSupervisorFailed(exchange string, err error) {
	l.WithComponent("stream").WithExchange(exchange).WithError(err).Error("supervisor terminated")
}

// LogInvariantViolation records a violated invariant.
func (l *StandardLogger) LogInvariantViolation(name, detail string) {
	l.WithComponent("engine").Error("invariant violation", "invariant", name, "detail", detail)
}

// LogBusPublishFailure records a bus publish exhausting its retries.
func (l *StandardLogger) LogBusPublishFailure(topic string, err error) {
	l.WithComponent("bus").WithError(err).Error("bus publish failed after retries", "topic", topic)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
