package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/roomchat-server/internal/app"
	"github.com/vovakirdan/roomchat-server/internal/config"
	"github.com/vovakirdan/roomchat-server/internal/log"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

var (
	configPath string
	overrides  config.Config
)

var rootCmd = &cobra.Command{
	Use:           "roomchat-server",
	Short:         "Multi-room chat server over TCP and WebSocket",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&overrides.Addr, "addr", "", "TCP listen address")
	flags.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP/WebSocket listen address")
	flags.StringVar(&overrides.DatabasePath, "db", "", `sqlite database path, or "memory"`)
	flags.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	// The store outlives restarts; with "memory" a fresh one would lose every
	// registered client.
	st, err := app.OpenStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	dbPath := cfg.DatabasePath
	defer func() {
		if err := st.Close(); err != nil {
			log.New(cfg.LogLevel).Warn().Err(err).Msg("failed to close store")
		}
	}()

	for {
		err := runOnce(ctx, cfg, path, st)
		if !errors.Is(err, app.ErrRestart) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if cfg, path, err = loadConfig(); err != nil {
			return err
		}
		if cfg.DatabasePath != dbPath {
			log.New(cfg.LogLevel).Warn().
				Str("db_path", dbPath).
				Str("ignored", cfg.DatabasePath).
				Msg("database path changed; it takes effect on the next process start")
			cfg.DatabasePath = dbPath
		}
	}
}

func loadConfig() (config.Config, string, error) {
	bootLog := log.New("info")
	cfg, path, err := config.Load(bootLog, configPath)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg.UpdateFrom(overrides)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

func runOnce(ctx context.Context, cfg config.Config, path string, st store.Store) error {
	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", path).Str("addr", cfg.Addr).Str("http_addr", cfg.HTTPAddr).Msg("starting roomchat server")

	err := app.NewWithStore(cfg, st, logger).Run(ctx)
	switch {
	case errors.Is(err, app.ErrRestart):
		logger.Info().Msg("restarting")
	case err != nil:
		logger.Error().Err(err).Msg("server exited with error")
	default:
		logger.Info().Msg("server stopped")
	}
	return err
}
