package network

import (
	"io"
	"log/slog"
)

// discard returns a logger for tests that should stay quiet.
func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
