package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/dispatch/internal/client"
	"github.com/rendis/dispatch/internal/logging"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	server     string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "dispatch",
		Short:         "Event-sourced workflow orchestrator",
		Long:          "Dispatch runs YAML playbooks as event-sourced executions: a server records events and schedules steps, workers lease and execute them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "settings file (default ~/.dispatch/settings.json)")
	pf.StringVar(&flags.server, "server", "", "dispatch server base URL (default derived from server.listen_addr)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: json or text")

	rootCmd.AddCommand(newServerCommand(flags))
	rootCmd.AddCommand(newWorkerCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newStatusCommand(flags))
	rootCmd.AddCommand(newListCommand(flags))
	rootCmd.AddCommand(newEventsCommand(flags))
	rootCmd.AddCommand(newCatalogCommand(flags))
	rootCmd.AddCommand(newQueueCommand(flags))
	rootCmd.AddCommand(newWatchCommand(flags))
	rootCmd.AddCommand(newMCPCommand(flags))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// load resolves the configuration with the persistent flags applied last.
func (f *globalFlags) load() (Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if f.server != "" {
		cfg.Server.BaseURL = f.server
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(cfg Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

func newClient(cfg Config) *client.Client {
	return client.New(cfg.Server.BaseURL, cfg.Server.ClientTimeout.Std())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
