package logger

import (
	"sort"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Logger is the structured logger every component receives. Fields are
// emitted in key order.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	WithFields(fields map[string]interface{}) Logger
}

// New builds the process logger. format "json" gives production output
// with ISO8601 timestamps, anything else the console encoder. Unknown
// levels fall back to info.
func New(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	if format == "json" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

type fieldLogger struct {
	z *zap.Logger
}

// FromZap exposes a zap logger through Logger.
func FromZap(z *zap.Logger) Logger {
	return fieldLogger{z: z}
}

func NewTestLogger(t testing.TB) Logger {
	return fieldLogger{z: zaptest.NewLogger(t)}
}

func NewNoOpLogger() Logger {
	return fieldLogger{z: zap.NewNop()}
}

func (f fieldLogger) write(lvl zapcore.Level, msg string, fields map[string]interface{}) {
	if ce := f.z.Check(lvl, msg); ce != nil {
		ce.Write(toZap(fields)...)
	}
}

func (f fieldLogger) Debug(msg string, fields map[string]interface{}) {
	f.write(zapcore.DebugLevel, msg, fields)
}

func (f fieldLogger) Info(msg string, fields map[string]interface{}) {
	f.write(zapcore.InfoLevel, msg, fields)
}

func (f fieldLogger) Warn(msg string, fields map[string]interface{}) {
	f.write(zapcore.WarnLevel, msg, fields)
}

func (f fieldLogger) Error(msg string, fields map[string]interface{}) {
	f.write(zapcore.ErrorLevel, msg, fields)
}

func (f fieldLogger) WithFields(fields map[string]interface{}) Logger {
	return fieldLogger{z: f.z.With(toZap(fields)...)}
}

func toZap(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
