package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// logger is the process logger. It discards until setupLogging runs so
// tests that call command functions directly stay quiet.
var logger = slog.New(slog.DiscardHandler)

// setupLogging points logger at w, as JSON with --log-json and as
// colored text otherwise.
func setupLogging(w *os.File) {
	var h slog.Handler
	if logJSON {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		h = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor || !isatty.IsTerminal(w.Fd()),
		})
	}
	logger = slog.New(h)
	slog.SetDefault(logger)
}
