package main

import (
	"io"
	"log/slog"
	"os"
)

// logger discards by default; --verbose sends debug-level records to
// stderr.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func initLogger(verbose bool) {
	if !verbose {
		return
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
