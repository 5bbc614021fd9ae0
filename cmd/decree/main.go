// Package main provides the decree binary entry point.
// Decree is a control plane for autonomous software delivery: it watches a
// work provider, plans work items from approved specs, and dispatches
// implementor and reviewer agents against them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	// Register agent session providers via init()
	_ "github.com/decreehq/decree/agent/claude"

	"github.com/decreehq/decree/bashguard"
	"github.com/decreehq/decree/config"
	"github.com/decreehq/decree/provider"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "decree"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autonomous software delivery control plane",
		Long: `Decree watches a work provider and drives work items through their
lifecycle: approved specs are planned into work items, ready items are
implemented in isolated worktrees, and revisions with green pipelines are
reviewed. All agent work runs through pluggable session providers.`,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&logLevel))
	cmd.AddCommand(checkCommandCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if *logLevel != "" {
				cfg.Logging.Level = *logLevel
			}

			logger := newLogger(cfg.Logging)
			slog.SetDefault(logger)

			client, err := provider.OpenClient(cfg.Provider.Name, provider.ClientOptions{
				Token:      cfg.Provider.Token,
				BaseURL:    cfg.Provider.BaseURL,
				Repository: cfg.Provider.Repository,
			})
			if err != nil {
				return fmt.Errorf("open work provider: %w", err)
			}

			app, err := NewApp(cfg, client, client, logger)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return app.Run(ctx)
		},
	}
}

func checkCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-command <command>",
		Short: "Print the bash validator verdict for a command",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			verdict := bashguard.Validate(args[0])
			if verdict.Allowed {
				fmt.Println("allowed")
				return
			}
			fmt.Printf("blocked: %s\n", verdict.Reason)
		},
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
