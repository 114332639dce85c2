// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dnssplit/config"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const rotationCheckInterval = 5 * time.Minute

// Fixed server log file names.
const (
	ProxyLog = "dnssplit.log"
	APILog   = "apiserver.log"
)

// SeverityNone disables file logging: no files are created.
const SeverityNone = "none"

// safeWriter wraps a writer and on write failure falls back to stderr without failing.
type safeWriter struct {
	inner io.Writer
}

func (w *safeWriter) Write(p []byte) (n int, err error) {
	n, err = w.inner.Write(p)
	if err != nil {
		_, _ = os.Stderr.Write([]byte("[log write failed, logging to stderr] "))
		_, _ = os.Stderr.Write(p)
		return len(p), nil
	}
	return n, nil
}

// throttleRotateWriter wraps lumberjack and only runs a time-based rotation check every 5m.
type throttleRotateWriter struct {
	lj         *lj.Logger
	lastCheck  time.Time
	mu         sync.Mutex
	maxAgeDays int
}

func (w *throttleRotateWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	if time.Since(w.lastCheck) > rotationCheckInterval {
		w.lastCheck = time.Now()
		info, err := os.Stat(w.lj.Filename)
		if err == nil && info.ModTime().Before(time.Now().Add(-time.Duration(w.maxAgeDays)*24*time.Hour)) {
			_ = w.lj.Rotate()
		}
	}
	w.mu.Unlock()
	return w.lj.Write(p)
}

func (w *throttleRotateWriter) Close() error { return w.lj.Close() }

// buildLumberjack creates a lumberjack logger for the given path and config.
// For rotation "none", maxSize and maxAge are 0 (no rotation).
func buildLumberjack(logPath string, logCfg config.LogConfig) *lj.Logger {
	rot := &lj.Logger{Filename: logPath}
	switch logCfg.Rotation {
	case config.LogRotationSize:
		rot.MaxSize = logCfg.RotationSizeMB
		if rot.MaxSize <= 0 {
			rot.MaxSize = 100
		}
		rot.MaxAge = logCfg.RotationDays
		rot.MaxBackups = 3
	case config.LogRotationTime:
		rot.MaxAge = logCfg.RotationDays
		if rot.MaxAge <= 0 {
			rot.MaxAge = 7
		}
		rot.MaxBackups = 3
	}
	return rot
}

func isSeverityNone(severity string) bool {
	return strings.EqualFold(severity, SeverityNone)
}

// levelFromSeverity maps config severity string to slog.Level.
func levelFromSeverity(severity string) slog.Level {
	switch strings.ToLower(severity) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newFileWriter creates a writer for logPath, creating the directory if needed.
func newFileWriter(logPath string, logCfg config.LogConfig) (io.WriteCloser, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	rot := buildLumberjack(logPath, logCfg)
	if logCfg.Rotation == config.LogRotationTime {
		return &throttleRotateWriter{lj: rot, maxAgeDays: rot.MaxAge}, nil
	}
	return rot, nil
}

// Logger is a slog.Logger writing to the console and, unless the configured
// severity is "none", to a rotating file. Close releases the file.
type Logger struct {
	*slog.Logger
	file io.Closer
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds the logger for one service. Console output goes to console at
// info level, or debug when verbose is set. When logCfg.Severity is not "none",
// records at or above that severity are also written to logDir/serviceLogName.
// If the file cannot be opened the logger keeps the console only.
func New(console io.Writer, verbose bool, serviceLogName, logDir string, logCfg config.LogConfig) *Logger {
	consoleLevel := slog.LevelInfo
	if verbose {
		consoleLevel = slog.LevelDebug
	}
	handlers := []slog.Handler{slog.NewTextHandler(console, &slog.HandlerOptions{Level: consoleLevel})}

	l := &Logger{}
	if !isSeverityNone(logCfg.Severity) && logDir != "" {
		logPath := filepath.Join(logDir, serviceLogName)
		wr, err := newFileWriter(logPath, logCfg)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "logger: failed to open %s: %v; file logging disabled\n", logPath, err)
		} else {
			l.file = wr
			handlers = append(handlers, slog.NewTextHandler(&safeWriter{inner: wr}, &slog.HandlerOptions{Level: levelFromSeverity(logCfg.Severity)}))
		}
	}
	if len(handlers) == 1 {
		l.Logger = slog.New(handlers[0])
	} else {
		l.Logger = slog.New(fanout(handlers))
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1000}))
}

// fanout passes each record to every handler that is enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
