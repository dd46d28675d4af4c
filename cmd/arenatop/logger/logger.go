// Package logger holds the arenatop debug logger. A terminal UI owns
// stdout and stderr, so logs go to a dated file or nowhere.
package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// L is the global logger instance. It discards everything until Init
// enables it.
var L = slog.New(slog.DiscardHandler)

// file is the log file opened by the last enabled Init.
var file *os.File

const (
	logPrefix     = "arenatop-"
	logSuffix     = ".log"
	retentionDays = 14
)

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	LogDir  string     // Directory for log files. Default: ~/.arenatop/logs
	Level   slog.Level // Minimum log level
}

// Init configures logging. Call from main() before any log calls.
func Init(opts Options) error {
	if err := closeFile(); err != nil {
		return err
	}
	if !opts.Enabled {
		L = slog.New(slog.DiscardHandler)
		return nil
	}

	logDir := opts.LogDir
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		logDir = filepath.Join(home, ".arenatop", "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	cleanOldLogs(logDir, time.Now())

	filename := filepath.Join(logDir, logPrefix+time.Now().Format(time.DateOnly)+logSuffix)
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	L = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.Level}))
	return nil
}

// closeFile drops back to discarding and closes the current log file.
func closeFile() error {
	if file == nil {
		return nil
	}
	L = slog.New(slog.DiscardHandler)
	err := file.Close()
	file = nil
	return err
}

// Close releases the log file. Logging is discarded afterwards.
func Close() error { return closeFile() }

// cleanOldLogs removes arenatop logs dated more than retentionDays before
// now. Errors are ignored.
func cleanOldLogs(logDir string, now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		day, err := time.Parse(time.DateOnly, strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(logDir, name))
		}
	}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { L.Error(msg, args...) }
