// Package logging provides the shared zap logger for drover.
// Console encoding is the default; JSON is used when --json-logs is set
// so session logs can be shipped as structured records.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	root *zap.Logger
)

// Options controls logger construction.
type Options struct {
	// JSON switches from console to JSON encoding.
	JSON bool
	// Debug lowers the level to debug.
	Debug bool
}

// Init builds the process-wide root logger. Safe to call more than once;
// the last call wins.
func Init(opts Options) *zap.Logger {
	l := build(opts)
	mu.Lock()
	root = l
	mu.Unlock()
	return l
}

func build(opts Options) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// L returns the root logger, initializing a default one if needed.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = build(Options{})
	}
	return root
}

// Named returns a component logger, e.g. Named("pool").
func Named(name string) *zap.SugaredLogger {
	return L().Named(name).Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}
