package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/api"
)

func newServeCmd() *cobra.Command {
	var cycleInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the read-only HTTP API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			logger := appInstance.Logger()
			if cycleInterval > 0 {
				if err := cfg.RequireCrawl(); err != nil {
					return err
				}
			}

			server := api.NewServer(
				appInstance.Jobs(),
				appInstance.Contents(),
				appInstance.Orchestrator(),
				cfg.Auth,
				logger.Named("api"),
				appInstance.ReadinessChecks()...,
			)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server started", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()
			if cycleInterval > 0 {
				go func() {
					_ = runCycles(ctx, appInstance, cycleInterval)
				}()
			}

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			logger.Info("shutdown initiated")
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			if serveErr != nil {
				return fmt.Errorf("http server: %w", serveErr)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&cycleInterval, "cycle-interval", 0, "also run the batch cycle at this interval (0 disables)")
	return cmd
}
