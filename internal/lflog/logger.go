// Package lflog is the structured logger every LumenFlow component uses:
// one lazily-created log file per project under the state directory,
// backed by go.uber.org/zap so retries, escalation decisions, and recovery
// actions carry machine-parseable fields instead of free text.
package lflog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger writing JSON lines to <statePrefix>/logs/core.log.
type Logger struct {
	z    *zap.Logger
	file *os.File
}

// New creates (or reuses) the log file under logDir and returns a Logger.
// When tee is true, log records are also written to stderr, used by the
// cmd/lumenflowd housekeeping entry point so an attached operator sees
// output live.
func New(logDir string, tee bool) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("lflog: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "core.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lflog: open log file: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(f), zap.InfoLevel)
	if tee {
		stderrCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zap.InfoLevel)
		core = zapcore.NewTee(core, stderrCore)
	}

	return &Logger{z: zap.New(core), file: f}, nil
}

// Close flushes and releases the underlying file handle.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a child Logger carrying additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{z: l.z.With(fields...), file: l.file}
}

// Info logs at info level with structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Info(msg, fields...)
}

// Warn logs at warn level with structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

// Error logs at error level with structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// Field constructors re-exported for call sites that don't want the zap
// import directly.
var (
	String = zap.String
	Int    = zap.Int
	Err    = zap.Error
	Bool   = zap.Bool
)
