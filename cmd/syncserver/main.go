// Package main is the entry point for the global sync server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/metrics"
	"github.com/archipelago-sim/archipelago/internal/syncserver"
)

const expectedArgs = 2

func main() {
	args, err := config.ParseArgs(expectedArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: syncserver <settings-file>")
		os.Exit(1)
	}

	settings, err := config.LoadServer(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := config.NewLogger(settings.LogLevel)
	hub := metrics.NewHub()
	if err := syncserver.Run(context.Background(), settings, hub, logger); err != nil {
		logger.Error("sync server failed", "error", err)
		os.Exit(1)
	}
}
