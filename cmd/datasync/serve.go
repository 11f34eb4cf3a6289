package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/datasync/internal/config"
)

// serveCmd starts the datasync service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the service",
	Long: `Start the datasync service.

The service will:
  - Load configuration from the specified YAML file
  - Connect the push channel and start polling every configured source
  - Serve the REST API, /metrics and the widget hub on http.port
  - Serve gRPC health checks on grpc.port (0 disables)
  - Apply scheduler and log level changes when the config file is saved

The service runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  datasync serve -c config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("datasync starting",
		"config", configFile,
		"version", version,
		"http_port", cfg.HTTP.Port,
		"grpc_port", cfg.GRPC.Port,
		"auth_mode", cfg.HTTP.Auth.Mode,
		"sources", len(cfg.Sources),
	)

	a, err := newApp(cfg, logger, level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, configFile); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
