package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hbtz-dev/neuro2024simulator/internal/app"
	"github.com/hbtz-dev/neuro2024simulator/internal/observe"
)

// shutdownTimeout bounds the graceful teardown after a signal.
const shutdownTimeout = 15 * time.Second

var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Decode the catalog and serve the control surface",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, lvl, logFile := newLogger(cfg.Server, os.Stderr)
	defer logFile.Close()
	slog.SetDefault(log)

	log.Info("neurosim starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"output", cfg.Audio.Output.Name,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Init(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		OutputBackend:  cfg.Audio.Output.Name,
		Global:         true,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if w, err := watchConfig(configPath, lvl, log); err != nil {
		log.Warn("config watcher disabled", "err", err)
	} else {
		defer w.Stop()
	}

	application, err := app.New(ctx, cfg, app.WithLogger(log), app.WithTelemetry(tel))
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("run error", "err", runErr)
	} else {
		runErr = nil
		log.Info("shutdown signal received, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	log.Info("goodbye")
	return runErr
}
