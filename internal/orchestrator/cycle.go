package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// Stats is a read-only health snapshot.
type Stats struct {
	Jobs     crawljob.JobStats     `json:"jobs"`
	Contents crawljob.ContentStats `json:"contents"`
	// Alert is set when the success rate is below the threshold over a
	// sufficient sample of finished jobs.
	Alert bool `json:"alert"`
}

// CycleReport summarizes one batch cycle.
type CycleReport struct {
	CycleID  string        `json:"cycle_id"`
	Poll     PollReport    `json:"poll"`
	Retry    RetryReport   `json:"retry"`
	TimedOut int           `json:"timed_out"`
	Swept    int           `json:"swept"`
	Stats    Stats         `json:"stats"`
	Duration time.Duration `json:"duration"`
}

// Stats aggregates job and content counts. It never mutates state.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	jobs, err := o.jobs.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	contents, err := o.contents.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("content stats: %w", err)
	}
	finished := jobs.Completed + jobs.Failed
	return Stats{
		Jobs:     jobs,
		Contents: contents,
		Alert:    finished >= o.cfg.AlertMinSample && jobs.SuccessRate < o.cfg.AlertSuccessRate,
	}, nil
}

// RunCycle runs poll, retry, timeout, sweep and stats under the cycle lock.
// It returns crawljob.ErrCycleLocked when another coordinator holds the lock.
// The exported phase and maintenance methods take the same lock. A low
// success rate is reported, never fatal.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{CycleID: o.cycleID()}
	logger := o.logger.With(zap.String("cycle_id", report.CycleID))

	err := o.exclusive(ctx, func(ctx context.Context) error {
		return o.runPhases(ctx, &report)
	})
	report.Duration = time.Since(start)
	if errors.Is(err, crawljob.ErrCycleLocked) {
		metrics.ObserveCycle("locked", report.Duration)
		logger.Info("cycle skipped, lock held elsewhere", zap.String("lock", o.cfg.LockName))
		return report, err
	}
	if err != nil {
		metrics.ObserveCycle("error", report.Duration)
		logger.Error("cycle aborted", zap.Error(err), zap.Duration("duration", report.Duration))
		return report, err
	}
	metrics.ObserveCycle("ok", report.Duration)
	metrics.SetJobGauges(report.Stats.Jobs.SuccessRate, report.Stats.Jobs.Pending, report.Stats.Alert)

	logger.Info("cycle finished",
		zap.Int("updated", report.Poll.Updated),
		zap.Int("completed", report.Poll.Completed),
		zap.Int("failed", report.Poll.Failed),
		zap.Int("still_pending", report.Poll.StillPending),
		zap.Int("poll_errors", report.Poll.Errors),
		zap.Int("retried", report.Retry.Retried),
		zap.Int("retry_submit_failed", report.Retry.SubmitFailed),
		zap.Int("timed_out", report.TimedOut),
		zap.Int("swept", report.Swept),
		zap.Float64("success_rate", report.Stats.Jobs.SuccessRate),
		zap.Duration("duration", report.Duration),
	)
	if report.Stats.Alert {
		logger.Warn("job success rate below threshold",
			zap.Float64("success_rate", report.Stats.Jobs.SuccessRate),
			zap.Float64("threshold", o.cfg.AlertSuccessRate),
			zap.Int("completed", report.Stats.Jobs.Completed),
			zap.Int("failed", report.Stats.Jobs.Failed),
		)
	}
	return report, nil
}

func (o *Orchestrator) runPhases(ctx context.Context, report *CycleReport) error {
	var err error
	if report.Poll, err = o.updatePendingJobs(ctx); err != nil {
		return fmt.Errorf("poll phase: %w", err)
	}
	if report.Retry, err = o.retryFailedJobs(ctx); err != nil {
		return fmt.Errorf("retry phase: %w", err)
	}
	if report.TimedOut, err = o.handleTimeoutJobs(ctx); err != nil {
		return fmt.Errorf("timeout phase: %w", err)
	}
	if report.Swept, err = o.sweepPermanentlyFailed(ctx); err != nil {
		return fmt.Errorf("sweep phase: %w", err)
	}
	if report.Stats, err = o.Stats(ctx); err != nil {
		return fmt.Errorf("stats phase: %w", err)
	}
	return nil
}

func (o *Orchestrator) cycleID() string {
	if o.ids == nil {
		return ""
	}
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("generate cycle id", zap.Error(err))
		return ""
	}
	return id
}
