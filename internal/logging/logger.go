// Package logging provides categorized file-based logging for the turn
// engine. Each category writes to its own file under the configured logs
// directory. When debug mode is off, every logger is a silent no-op so the
// hot path pays nothing for log calls.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category, one file per category.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, registry initialization
	CategoryPipeline   Category = "pipeline"   // Turn execution, step transitions
	CategoryBackend    Category = "backend"    // LLM backend requests, streaming
	CategoryAdmission  Category = "admission"  // Slot acquisition and release
	CategoryActivation Category = "activation" // Lorebook activation lookups
	CategoryStore      Category = "store"      // Conversation store operations
	CategoryConfig     Category = "config"     // Config loading and reloads
)

// Logger wraps a zap sugared logger bound to one category file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	logsDir  string
	debug    bool
	nopSugar = zap.NewNop().Sugar()
)

// Initialize sets the logs directory and debug flag. Call once at startup;
// with debug false the package stays a silent no-op.
func Initialize(dir string, debugMode bool) error {
	mu.Lock()
	defer mu.Unlock()

	logsDir = dir
	debug = debugMode
	loggers = make(map[Category]*Logger)

	if !debug {
		return nil
	}
	if logsDir == "" {
		return fmt.Errorf("logs directory required when debug mode is on")
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := newLogger(cat)
	loggers[cat] = l
	return l
}

func newLogger(cat Category) *Logger {
	if !debug {
		return &Logger{category: cat, sugar: nopSugar}
	}

	path := filepath.Join(logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		return &Logger{category: cat, sugar: nopSugar}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(f)),
		zapcore.DebugLevel,
	)
	z := zap.New(core).Named(string(cat))
	return &Logger{category: cat, sugar: z.Sugar()}
}

// Sync flushes all category loggers. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Convenience helpers for the common categories, info level.

func Boot(format string, args ...interface{})       { Get(CategoryBoot).Info(format, args...) }
func Pipeline(format string, args ...interface{})   { Get(CategoryPipeline).Info(format, args...) }
func Backend(format string, args ...interface{})    { Get(CategoryBackend).Info(format, args...) }
func Admission(format string, args ...interface{})  { Get(CategoryAdmission).Info(format, args...) }
func Activation(format string, args ...interface{}) { Get(CategoryActivation).Info(format, args...) }
func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }

// Debug-level helpers for the chatty paths.

func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func BackendDebug(format string, args ...interface{})  { Get(CategoryBackend).Debug(format, args...) }
