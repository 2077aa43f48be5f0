// Package logging provides the engine's structured logger.
//
// The call shape (leveled methods taking a message plus a list of typed
// Fields) matches this codebase's shared telemetry logger; the backend is
// go.uber.org/zap rather than a hand-rolled JSON writer, since this engine
// carries real message throughput and wants zap's allocation-free field
// encoding rather than a stdlib json.Marshal per log line.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the engine's configured log level vocabulary.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Field is a typed key/value pair attached to a log line.
type Field = zap.Field

func String(key, val string) Field   { return zap.String(key, val) }
func Int(key string, val int) Field  { return zap.Int(key, val) }
func Err(err error) Field            { return zap.Error(err) }
func Bool(key string, val bool) Field { return zap.Bool(key, val) }
func Any(key string, val any) Field  { return zap.Any(key, val) }

// Logger is the engine-wide structured logger, constructed once at startup
// and threaded into every component by constructor injection — there is no
// package-level global logger, per this spec's explicit-injection design
// note.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger writing JSON lines to stdout at the given level, with
// a "service" field set on every line.
func New(service string, level Level) *Logger {
	zlevel := zapLevel(level)
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), zlevel)
	z := zap.New(core).With(zap.String("service", strings.TrimSpace(service)))
	return &Logger{z: z}
}

// Nop returns a logger that discards everything, useful for tests.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// ParseLevel maps a config string (case-insensitive) to a Level, defaulting
// to LevelInfo for anything unrecognized rather than erroring, since a log
// level typo shouldn't keep the engine from starting.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func zapLevel(l Level) zapcore.Level {
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

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// With returns a child logger carrying the given fields on every subsequent
// line — used by stages to attach their stage name once at construction.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Sync flushes any buffered log entries; call during shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
