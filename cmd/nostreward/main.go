package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/nostreward/internal/config"
	"github.com/dmitrijs2005/nostreward/internal/daemon"
	"github.com/dmitrijs2005/nostreward/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nostreward: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: "nostreward",
	})

	app, err := daemon.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "stopped with error", "error", err)
		return 1
	}
	return 0
}
