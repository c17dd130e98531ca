package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rainpipe/contentfetch/internal/orchestrator"
)

// phaseCmd builds a command that runs one orchestrator operation and prints
// its result.
func phaseCmd(use, short string, needsCrawl bool, run func(context.Context, *orchestrator.Orchestrator) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if needsCrawl {
				if err := appInstance.Config().RequireCrawl(); err != nil {
					return err
				}
			}
			result, err := run(cmd.Context(), appInstance.Orchestrator())
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return printJSON(cmd, result)
		},
	}
}

func newPollCmd() *cobra.Command {
	return phaseCmd("poll", "Polls pending jobs and applies their results", true,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			return o.UpdatePendingJobs(ctx)
		})
}

func newRetryCmd() *cobra.Command {
	return phaseCmd("retry", "Resubmits failed jobs that have retries left", true,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			return o.RetryFailedJobs(ctx)
		})
}

func newTimeoutsCmd() *cobra.Command {
	return phaseCmd("timeouts", "Fails pending jobs older than the job timeout", false,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			n, err := o.HandleTimeoutJobs(ctx)
			return map[string]int{"timed_out": n}, err
		})
}

func newSweepCmd() *cobra.Command {
	return phaseCmd("sweep", "Flags bookmarks whose jobs exhausted their retries", false,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			n, err := o.SweepPermanentlyFailed(ctx)
			return map[string]int{"permanently_failed": n}, err
		})
}

func newCancelPendingCmd() *cobra.Command {
	return phaseCmd("cancel-pending", "Cancels every pending job remotely and fails it locally", true,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			return o.CancelAllPending(ctx)
		})
}

func newFailPendingCmd() *cobra.Command {
	return phaseCmd("fail-pending", "Fails every pending job locally without contacting the crawl service", false,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			n, err := o.MarkAllPendingFailed(ctx)
			return map[string]int{"failed": n}, err
		})
}

func newStatsCmd() *cobra.Command {
	return phaseCmd("stats", "Prints job and content statistics", false,
		func(ctx context.Context, o *orchestrator.Orchestrator) (any, error) {
			return o.Stats(ctx)
		})
}
