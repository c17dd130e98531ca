package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

func newRunCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one batch cycle: poll, retry, timeout, sweep, stats",
		Long: `Runs the batch cycle under the configured cycle lock. With --interval
the cycle repeats until the process is interrupted. A cycle that finds the
lock held elsewhere is skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Config().RequireCrawl(); err != nil {
				return err
			}
			if interval <= 0 {
				report, err := appInstance.Orchestrator().RunCycle(cmd.Context())
				if errors.Is(err, crawljob.ErrCycleLocked) {
					appInstance.Logger().Info("cycle skipped, another coordinator holds the lock")
					return nil
				}
				if err != nil {
					return fmt.Errorf("run cycle: %w", err)
				}
				return printJSON(cmd, report)
			}
			return runCycles(cmd.Context(), appInstance, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the cycle at this interval (0 runs once)")
	return cmd
}

// runCycles runs a cycle immediately and then on every tick until ctx ends.
// Cycle errors are logged; only cancellation stops the loop.
func runCycles(ctx context.Context, appInstance App, interval time.Duration) error {
	logger := appInstance.Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := appInstance.Orchestrator().RunCycle(ctx)
		switch {
		case err == nil, errors.Is(err, crawljob.ErrCycleLocked):
		case errors.Is(err, context.Canceled):
			return nil
		default:
			logger.Error("cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
