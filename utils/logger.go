package utils

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides leveled, printf-style logging throughout the application.
// It is backed by a zap SugaredLogger so output is structured JSON.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a production zap logger at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewLogger(level string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewExample()
	}
	return &Logger{sugar: z.Sugar()}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Info(format string, args ...any) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
