// Package log provides the structured logger used throughout the router
// core. It wraps zap, the way the upstream clearnode project wraps zap
// (directly, or via go-log/v2), but exposes a small interface so callers
// never depend on zap types directly.
package log

import (
	"context"
	"io"
	"os"

	"github.com/ipfs/go-log/v2"
	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config configures a Logger created with NewZapLogger.
type Config struct {
	// Format is either "json" or "logfmt". Defaults to "json".
	Format string
	// Level is the minimum level that will be emitted. Defaults to LevelInfo.
	Level Level
}

// Logger is the structured logger interface used across the router core.
// keysAndValues are treated as alternating key/value pairs, as with the
// upstream project's zap-backed logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Fatal(msg string, keysAndValues ...any)

	// Name returns the dotted logger name built up by WithName calls.
	Name() string
	// WithName returns a child logger with name appended to the current name.
	WithName(name string) Logger
	// WithKV returns a child logger that always includes the given key/value pair.
	WithKV(key string, value any) Logger
	// GetAllKV returns the accumulated key/value pairs from WithKV calls, most recent first.
	GetAllKV() []any
	// AddCallerSkip returns a logger that skips extra stack frames when reporting the caller.
	AddCallerSkip(skip int) Logger
}

// SpanEventRecorder records structured log-style events against a tracing
// span, so proxy/router spans carry the same key-value breadcrumbs as the
// structured log output.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	RecordEvent(name string, keysAndValues ...any)
	RecordError(name string, keysAndValues ...any)
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	core *zap.SugaredLogger
	name string
	kv   []any
}

// NewZapLogger builds a Logger backed by zap, writing to the given sink.
func NewZapLogger(cfg Config, sink zapcore.WriteSyncer) Logger {
	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch cfg.Format {
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, sink, cfg.Level.zapLevel())
	// AddCallerSkip(1) accounts for the zapLogger method wrapping the
	// sugared logger call, so reported callers point at application code.
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &zapLogger{core: base.Sugar()}
}

// NewNoopLogger returns a Logger that discards everything. Useful in tests
// and as a safe zero-value fallback.
func NewNoopLogger() Logger {
	return NewZapLogger(Config{Level: LevelError}, zapcore.AddSync(io.Discard))
}

// NewIPFSLogger builds a Logger using the go-log/v2 subsystem registry,
// which lets `GOLOG_LOG_LEVEL` select verbosity per-subsystem at runtime.
func NewIPFSLogger(name string) Logger {
	sub := log.Logger(name)
	return &zapLogger{core: sub.SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(), name: name}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.core.Debugw(msg, l.merge(kv)...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.core.Infow(msg, l.merge(kv)...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.core.Warnw(msg, l.merge(kv)...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.core.Errorw(msg, l.merge(kv)...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.core.Fatalw(msg, l.merge(kv)...) }

func (l *zapLogger) merge(kv []any) []any {
	if len(l.kv) == 0 {
		return kv
	}
	return append(append([]any{}, l.kv...), kv...)
}

func (l *zapLogger) Name() string { return l.name }

func (l *zapLogger) WithName(name string) Logger {
	newName := name
	if l.name != "" {
		newName = l.name + "." + name
	}
	return &zapLogger{
		core: l.core.Named(name),
		name: newName,
		kv:   l.kv,
	}
}

func (l *zapLogger) WithKV(key string, value any) Logger {
	return &zapLogger{
		core: l.core,
		name: l.name,
		kv:   append([]any{key, value}, l.kv...),
	}
}

func (l *zapLogger) GetAllKV() []any { return l.kv }

func (l *zapLogger) AddCallerSkip(skip int) Logger {
	return &zapLogger{
		core: l.core.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar(),
		name: l.name,
		kv:   l.kv,
	}
}

type loggerContextKey struct{}

// WithContext attaches lg to ctx.
func WithContext(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// FromContext retrieves the logger stored in ctx, or a noop logger if none was set.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return lg
	}
	return NewNoopLogger()
}

// DefaultConfigFromEnv builds a Config from ROUTER_LOG_LEVEL / ROUTER_LOG_FORMAT,
// matching the upstream project's convention of a single env-driven bootstrap logger.
func DefaultConfigFromEnv() Config {
	level := Level(os.Getenv("ROUTER_LOG_LEVEL"))
	if level == "" {
		level = LevelInfo
	}
	format := os.Getenv("ROUTER_LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return Config{Format: format, Level: level}
}

// NewDefaultLogger builds the process-wide root logger from environment configuration.
func NewDefaultLogger(name string) Logger {
	return NewZapLogger(DefaultConfigFromEnv(), os.Stderr).WithName(name)
}
