package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/pulldb/internal/config"
	"github.com/user/pulldb/internal/observability"
	"github.com/user/pulldb/internal/server"
)

var (
	logLevel   string
	logFormat  string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulldb",
	Short: "pulldb: comic subscription and pull list engine",
	Long:  "Tracks which comic issues each user wants, has read or ignores, and finds new issues of the collections they follow.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:          "server",
	Short:        "Start the pulldb HTTP server",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	bindAddr        string
	dataDir         string
	backend         string
	noSync          bool
	shutdownTimeout = 5 * time.Second
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Directory for the entity store and activity journal")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "pebble", "Entity store backend: pebble or badger")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().BoolVar(&noSync, "no-sync", false, "Skip fsync on every commit (faster, loses recent writes on power loss)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("bind") {
		cfg.Bind = bindAddr
	}
	if flags.Changed("no-sync") {
		cfg.NoSync = noSync
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	slog.Info("starting pulldb server",
		"bind", cfg.Bind,
		"data_dir", cfg.DataDir,
		"backend", cfg.Backend,
		"journal", cfg.Journal,
		"auth", cfg.Auth.JWTSecret != "",
		"dev_trusted", cfg.Auth.DevTrusted,
	)

	shutdownTracer, err := observability.InitTracer(cfg.Tracing, nil)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	eng, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := server.New(eng.deps(), cfg)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("pulldb server ready", "bind", cfg.Bind)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("pulldb server stopped")
	return nil
}
