// Package logger provides zap-backed implementations of interfaces.Logger
package logger

import (
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/memtensor/hybridmem/pkg/interfaces"
)

// ZapLogger adapts a zap.Logger to the field-map logging contract
type ZapLogger struct {
	zl *zap.Logger
}

// Debug logs debug level messages
func (l *ZapLogger) Debug(msg string, fields ...map[string]interface{}) {
	l.zl.Debug(msg, toZapFields(nil, fields)...)
}

// Info logs info level messages
func (l *ZapLogger) Info(msg string, fields ...map[string]interface{}) {
	l.zl.Info(msg, toZapFields(nil, fields)...)
}

// Warn logs warning level messages
func (l *ZapLogger) Warn(msg string, fields ...map[string]interface{}) {
	l.zl.Warn(msg, toZapFields(nil, fields)...)
}

// Error logs error level messages
func (l *ZapLogger) Error(msg string, err error, fields ...map[string]interface{}) {
	l.zl.Error(msg, toZapFields(err, fields)...)
}

// Fatal logs fatal level messages and exits
func (l *ZapLogger) Fatal(msg string, err error, fields ...map[string]interface{}) {
	l.zl.Fatal(msg, toZapFields(err, fields)...)
}

// WithFields returns a logger with additional fields
func (l *ZapLogger) WithFields(fields map[string]interface{}) interfaces.Logger {
	return &ZapLogger{zl: l.zl.With(toZapFields(nil, []map[string]interface{}{fields})...)}
}

// Zap exposes the underlying zap logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.zl
}

// Sync flushes buffered log entries
func (l *ZapLogger) Sync() error {
	return l.zl.Sync()
}

// field maps are unordered; sort keys so output is stable
func toZapFields(err error, fields []map[string]interface{}) []zap.Field {
	var out []zap.Field
	if err != nil {
		out = append(out, zap.Error(err))
	}
	for _, fieldMap := range fields {
		keys := make([]string, 0, len(fieldMap))
		for k := range fieldMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, zap.Any(k, fieldMap[k]))
		}
	}
	return out
}

// ParseLevel maps a level name onto a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// NewConsoleLogger creates a console logger at the given level
func NewConsoleLogger(level string) interfaces.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.DisableStacktrace = true
	zl, err := cfg.Build()
	if err != nil {
		return NewNopLogger()
	}
	return &ZapLogger{zl: zl}
}

// NewJSONLogger creates a production JSON logger at the given level
func NewJSONLogger(level string) interfaces.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	zl, err := cfg.Build()
	if err != nil {
		return NewNopLogger()
	}
	return &ZapLogger{zl: zl}
}

// NewFromZap wraps an existing zap logger
func NewFromZap(zl *zap.Logger) interfaces.Logger {
	if zl == nil {
		return NewNopLogger()
	}
	return &ZapLogger{zl: zl}
}

// NewLogger creates a new logger with default settings
func NewLogger() interfaces.Logger {
	return NewConsoleLogger("info")
}

// NewTestLogger creates a logger for testing
func NewTestLogger() interfaces.Logger {
	return NewConsoleLogger("debug")
}

// NewNopLogger creates a logger that discards everything
func NewNopLogger() interfaces.Logger {
	return &ZapLogger{zl: zap.NewNop()}
}

// NewObservedLogger creates a logger whose entries can be inspected by tests
func NewObservedLogger(level string) (interfaces.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(ParseLevel(level))
	return &ZapLogger{zl: zap.New(core)}, logs
}

// OrNop returns l, or a nop logger when l is nil
func OrNop(l interfaces.Logger) interfaces.Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

var _ interfaces.Logger = (*ZapLogger)(nil)
