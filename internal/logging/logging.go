// Package logging provides category-scoped structured logging for EvalForge.
// One zap logger is built at startup; each pipeline stage gets a named child
// so every event carries its category and serializes as one JSON object.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one pipeline stage or subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryIngestion Category = "ingestion"
	CategoryExtract   Category = "extraction"
	CategoryDedup     Category = "dedup"
	CategoryGenerate  Category = "generate"
	CategoryApproval  Category = "approval"
	CategoryNotify    Category = "notify"
	CategoryLLM       Category = "llm"
	CategoryEmbedding Category = "embedding"
	CategoryStore     Category = "store"
	CategoryProvider  Category = "provider"
	CategoryDashboard Category = "dashboard"
	CategoryScheduler Category = "scheduler"
	CategoryHTTP      Category = "http"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the process logger. Production JSON encoding; debug flips the
// level. Safe to call once at startup before any For().
func Init(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// SetLogger replaces the process logger. Tests use this with zaptest.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
}

// For returns the named child logger for a category.
func For(cat Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(cat))
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
