package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout. Level defaults to info;
// set VIGIL_LOG_LEVEL=debug for development noise.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("VIGIL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
