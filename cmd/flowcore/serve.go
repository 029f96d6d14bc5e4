package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/app"
	"github.com/rendis/flowcore/internal/config"
)

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover unfinished runs and process work until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	a.Logger.Info("flowcore starting", slog.String("version", version), slog.String("store", cfg.Store.Driver), slog.String("lock", cfg.Lock.Driver))

	runErr := a.Run(ctx)
	a.Logger.Info("flowcore stopping")
	if err := a.Close(); err != nil {
		a.Logger.Warn("shutdown incomplete", slog.Any("error", err))
	}
	return runErr
}
