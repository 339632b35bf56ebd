package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adlence-ai/adlence/internal/app"
	"github.com/adlence-ai/adlence/internal/config"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the API server (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}

	logger.Info("adlence starting", "version", version, "config", configPath)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("adlence stopped")
	return nil
}

// loadConfig resolves the config path and loads it. The default path may be
// absent, in which case configuration comes from the environment alone.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	configPath, explicit := resolveConfigPath(cmd, args, defaultConfigPath)
	cfg, err := config.Load(configPath, !explicit)
	if err != nil {
		return nil, configPath, fmt.Errorf("load config: %w", err)
	}
	return cfg, configPath, nil
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
// explicit is false only for the default.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) (path string, explicit bool) {
	if len(args) > 0 {
		return args[0], true
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	return defaultPath, false
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
