package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/statusd"
)

// runServe loads the configuration, connects to the store and serves until
// a signal arrives or a listener fails.
func runServe(ctx context.Context, flags ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := statusd.LoadConfig(flags.ConfigPath, flags.EnvFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	logger, closer := cfg.Logger().NewSlogger()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	app, err := statusd.New(cfg, statusd.WithLogger(logger))
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting statusd", "listen", cfg.Server.Listen, "database", cfg.Store.Database)
	if err := app.Run(ctx); err != nil {
		logger.Error("statusd stopped with error", "error", err)
		return err
	}
	return nil
}
