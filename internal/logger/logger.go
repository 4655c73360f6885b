// Package logger holds the process-wide zap logger.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu          sync.RWMutex
	global      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
)

// Init builds the global logger.
// level: debug, info, warn, error. format: json or console.
func Init(level, format string) error {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = lvl
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	mu.Lock()
	global = l
	atomicLevel = lvl
	mu.Unlock()
	return nil
}

// Set replaces the global logger, mostly for tests using zaptest/observer.
func Set(l *zap.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// SetLevel changes the level of a logger built by Init.
func SetLevel(level string) error {
	mu.RLock()
	defer mu.RUnlock()
	return atomicLevel.UnmarshalText([]byte(level))
}

func GetLevel() zapcore.Level {
	mu.RLock()
	defer mu.RUnlock()
	return atomicLevel.Level()
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nil
	}
	return global.Sync()
}
