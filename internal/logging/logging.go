// Package logging builds the zap loggers used across the daemon.
package logging

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. format "json" selects the production encoder,
// anything else the human-readable development encoder.
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// ─── Watermill Adapter ──────────────────────────────────────────────────────

// Watermill adapts a zap logger to watermill.LoggerAdapter.
func Watermill(log *zap.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: log}
}

type watermillLogger struct {
	log *zap.Logger
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// Info maps to Debug: gochannel reports every publish without a
// subscriber at Info, which is the normal case here.
func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
