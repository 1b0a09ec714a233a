// Package klog builds the structured loggers used throughout the kernel and
// provides the kernel panic primitive for consistency violations.
package klog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Encoding is "json" or "console".
	Encoding string
}

// New builds a zap logger from the given options.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if opts.Encoding != "" {
		config.Encoding = opts.Encoding
	}
	if config.Encoding == "console" {
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	level, err := zapcore.ParseLevel(orDefault(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// KernelPanic is the value passed to panic when an internal invariant is
// found broken. Continuing after one risks silent memory corruption.
type KernelPanic struct {
	Msg string
}

func (p *KernelPanic) Error() string {
	return "panic: " + p.Msg
}

// Panic logs msg as a consistency violation and halts the calling goroutine
// with a *KernelPanic.
func Panic(l *zap.Logger, msg string, fields ...zap.Field) {
	OrNop(l).Error("kernel panic: "+msg, fields...)
	panic(&KernelPanic{Msg: msg})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
