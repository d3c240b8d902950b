// Package cmd defines the CLI commands of the flowcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/app"
	"github.com/JakeFAU/flowcrawler/internal/config"
	"github.com/JakeFAU/flowcrawler/internal/logging"
	"github.com/JakeFAU/flowcrawler/internal/telemetry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		shutdown func(context.Context) error
	)
	cmd := &cobra.Command{
		Use:   "flowcrawler",
		Short: "Configuration-driven multi-stage web extraction pipeline.",
		Long: `flowcrawler runs a declarative crawl workflow as decoupled stages
joined by durable queues: seed producers, fetch workers, processing workers
that run the workflow step machine, and a sink that persists extracted records.`,
		SilenceUsage: true,

		// Builds the application once config is known and stores it in the
		// context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			if cfg.Telemetry.Tracing {
				shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry.ServiceName)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				_ = appInstance.Close()
			}
			if shutdown != nil {
				_ = shutdown(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env CRAWLER_* overrides")

	cmd.AddCommand(
		newSeedCmd(),
		newFetchCmd(),
		newProcessCmd(),
		newSinkCmd(),
		newRunCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowcrawler: %v\n", err)
		os.Exit(1)
	}
}
