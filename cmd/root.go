// Package cmd defines and implements the CLI commands for the contentfetch executable.
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

	"github.com/rainpipe/contentfetch/internal/api"
	"github.com/rainpipe/contentfetch/internal/app"
	"github.com/rainpipe/contentfetch/internal/config"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/logging"
	"github.com/rainpipe/contentfetch/internal/orchestrator"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Jobs() crawljob.JobStore
	Contents() crawljob.ContentStore
	Orchestrator() *orchestrator.Orchestrator
	Source() (crawljob.BookmarkSource, error)
	ReadinessChecks() []api.ReadinessCheck
	Migrate(ctx context.Context) error
	Close()
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contentfetch",
		Short: "Fetches bookmark content through a remote crawl service.",
		Long: `contentfetch submits bookmark URLs to a crawl service, polls the
resulting jobs, retries failures up to a ceiling and stores the extracted
content. Run "contentfetch run" from a scheduler to drive one batch cycle.`,
		SilenceUsage: true,

		// Builds the application before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CONTENTFETCH_* environment when empty)")

	cmd.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newPollCmd(),
		newRetryCmd(),
		newTimeoutsCmd(),
		newSweepCmd(),
		newCancelPendingCmd(),
		newFailPendingCmd(),
		newStatsCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
