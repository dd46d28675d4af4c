package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInit_Disabled(t *testing.T) {
	if err := Init(Options{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if L.Enabled(t.Context(), slog.LevelError) {
		t.Error("disabled logger should drop everything")
	}
}

func TestInit_WritesFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init(Options{Enabled: true, LogDir: dir, Level: slog.LevelDebug}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = Init(Options{}) })

	Info("hello", "frame", 3)

	name := filepath.Join(dir, logPrefix+time.Now().Format(time.DateOnly)+logSuffix)
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestInit_ReinitClosesPreviousFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init(Options{Enabled: true, LogDir: dir, Level: slog.LevelInfo}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	first := file
	if err := Init(Options{Enabled: true, LogDir: dir, Level: slog.LevelInfo}); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if file == first {
		t.Fatal("second Init() should open a new file")
	}
	if _, err := first.Write([]byte("x")); err == nil {
		t.Error("previous log file still open after re-init")
	}

	if err := Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if file != nil {
		t.Error("Close() should forget the file")
	}
	if L.Enabled(t.Context(), slog.LevelError) {
		t.Error("logger should discard after Close()")
	}
}

func TestInit_DisableClosesFile(t *testing.T) {
	if err := Init(Options{Enabled: true, LogDir: t.TempDir(), Level: slog.LevelDebug}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	f := file
	if err := Init(Options{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := f.Write([]byte("x")); err == nil {
		t.Error("log file still open after disabling")
	}
	if L.Enabled(t.Context(), slog.LevelError) {
		t.Error("disabled logger should drop everything")
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	files := map[string]bool{
		"arenatop-2026-03-01.log": false, // 19 days old
		"arenatop-2026-03-10.log": true,
		"arenatop-garbage.log":    true,
		"other-2020-01-01.log":    true,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cleanOldLogs(dir, now)

	for name, keep := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != keep {
			t.Errorf("%s: exists = %v, want %v", name, exists, keep)
		}
	}
}
