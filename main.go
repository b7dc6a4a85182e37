// Command opencode-feishu bridges an OpenCode-style backend event stream to
// chat platform adapters. The daemon subscribes to the backend's event
// endpoint, reconstructs streaming turns, and mirrors them into registered
// platforms with minimal visible edits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lyhue1991/opencode-feishu/adapter"
	"github.com/lyhue1991/opencode-feishu/config"
	"github.com/lyhue1991/opencode-feishu/relay"
	"github.com/lyhue1991/opencode-feishu/stream"
)

var (
	configFlag   string
	logLevelFlag string
	backendFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "opencode-feishu",
	Short: "Bridge a conversational AI backend's event stream to chat platforms",
	Long: `A headless daemon that subscribes to the backend's event stream,
aggregates partial updates into coherent messages, and delivers them to
registered platform adapters (send or edit, with retry and fallback).

Platform adapters register under a logical key; sessions bind a chat to a
backend session through that key. The built-in "console" adapter mirrors
deliveries to stdout for local debugging.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&backendFlag, "backend", "", "Backend event stream URL (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg := config.Default()
	if configFlag != "" {
		loaded, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if backendFlag != "" {
		cfg.BackendURL = backendFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	logger := newLogger(cfg.LogLevel)

	mux := adapter.NewMux()
	if cfg.Console {
		mux.Register("console", adapter.NewConsole(os.Stdout), adapter.Options{})
	}
	applyAdapterSettings(mux, cfg, logger)

	engine, err := relay.New(relay.Config{
		Source:         &stream.WebSocketSource{URL: cfg.BackendURL, Logger: logger},
		Mux:            mux,
		Logger:         logger,
		SplitThreshold: cfg.SplitThreshold,
		CarryAnswerMax: cfg.CarryAnswerMax,
		ErrorMarker:    cfg.ErrorMarker,
	})
	if err != nil {
		return err
	}

	if configFlag != "" {
		go func() {
			err := config.Watch(ctx, configFlag, logger, func(updated *config.Config) {
				applyAdapterSettings(mux, updated, logger)
				engine.Continuation().SetThresholds(updated.SplitThreshold, updated.CarryAnswerMax)
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("starting relay",
		"backend", cfg.BackendURL,
		"adapters", mux.Keys(),
	)
	defer engine.Stop()
	return engine.Run(ctx)
}

// applyAdapterSettings pushes per-adapter throttle configuration into the
// mux. Unknown keys are tolerated: adapters may register after startup.
func applyAdapterSettings(mux *adapter.Mux, cfg *config.Config, logger *slog.Logger) {
	for key, settings := range cfg.Adapters {
		d, err := settings.ThrottleDuration()
		if err != nil {
			logger.Warn("ignoring adapter setting", "adapterKey", key, "error", err)
			continue
		}
		if d > 0 {
			mux.SetThrottle(key, d)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
