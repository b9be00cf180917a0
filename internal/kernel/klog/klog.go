// Package klog is the kernel's structured logger: one zap-backed logger
// shared by every subsystem, writing to a rotated file when run as a
// daemon via gopkg.in/natefinch/lumberjack.v2.
package klog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.Mutex
	log *zap.SugaredLogger
)

func init() {
	log = zap.NewNop().Sugar()
}

// Options configures the kernel-wide logger.
type Options struct {
	// Path to a log file to rotate into. Empty means stderr only.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	Debug      bool
}

// Configure installs the kernel-wide logger. Safe to call again to
// reconfigure (e.g. after boot config is parsed).
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var cores []zapcore.Core
	cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))

	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    nonZero(opts.MaxSizeMB, 64),
			MaxBackups: nonZero(opts.MaxBackups, 5),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	log = zap.New(core).Sugar()
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// For returns a named sub-logger for subsystem.
func For(subsystem string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return log.Named(subsystem)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = log.Sync()
}
