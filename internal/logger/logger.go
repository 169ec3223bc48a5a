// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package logger builds the structured logger used by imagepipeline.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation controls rotation of a log file.
type Rotation struct {
	MaxSize    int // megabytes
	MaxBackups int
	Compress   bool
}

// Option configures New.
type Option func(*Rotation)

// WithRotation sets the rotation of the log file.
func WithRotation(r Rotation) Option {
	return func(rot *Rotation) { *rot = r }
}

// New returns a JSON logger at level.  Output goes to file, rotated by
// lumberjack, or to stdout if file is empty.
func New(level, file string, opts ...Option) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	out := zapcore.Lock(os.Stdout)
	if file != "" {
		rot := Rotation{MaxSize: 100, MaxBackups: 10}
		for _, opt := range opts {
			opt(&rot)
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    rot.MaxSize,
			MaxBackups: rot.MaxBackups,
			Compress:   rot.Compress,
			LocalTime:  true,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, zap.NewAtomicLevelAt(zapLevel))
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}
