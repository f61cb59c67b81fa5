package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root = mustDefault()
)

func mustDefault() *zap.Logger {
	logger, err := build("console", "info")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Init replaces the root logger. Call once after config is loaded.
// format: "json" or "console"; level: "debug", "info", "warn", "error".
func Init(format, level string) error {
	logger, err := build(format, level)
	if err != nil {
		return err
	}
	mu.Lock()
	old := root
	root = logger
	mu.Unlock()
	_ = old.Sync()
	zap.ReplaceGlobals(logger)
	return nil
}

// Set installs an already-built logger, e.g. zaptest or observer loggers in tests.
func Set(logger *zap.Logger) {
	mu.Lock()
	root = logger
	mu.Unlock()
}

// L returns a named sugared logger for a component.
func L(component string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component).Sugar()
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

func build(format, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	return cfg.Build()
}
