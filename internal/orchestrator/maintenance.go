package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// CancelReport summarizes a CancelAllPending run.
type CancelReport struct {
	Cancelled       int `json:"cancelled"`
	RemoteCancelled int `json:"remote_cancelled"`
	RemoteFailed    int `json:"remote_failed"`
}

// HandleTimeoutJobs fails pending jobs older than the job timeout with reason
// "timeout". The remote job is not cancelled.
func (o *Orchestrator) HandleTimeoutJobs(ctx context.Context) (int, error) {
	return o.exclusiveCount(ctx, o.handleTimeoutJobs)
}

func (o *Orchestrator) handleTimeoutJobs(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.JobTimeout)
	stale, err := o.jobs.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	count := 0
	for _, job := range stale {
		ok, err := o.failPending(ctx, job, ReasonTimeout, "timeout")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		o.logger.Info("timed out pending jobs", zap.Int("count", count), zap.Duration("timeout", o.cfg.JobTimeout))
	}
	return count, nil
}

// SweepPermanentlyFailed flags bookmarks whose latest job exhausted its retries.
func (o *Orchestrator) SweepPermanentlyFailed(ctx context.Context) (int, error) {
	return o.exclusiveCount(ctx, o.sweepPermanentlyFailed)
}

func (o *Orchestrator) sweepPermanentlyFailed(ctx context.Context) (int, error) {
	exhausted, err := o.jobs.ListExhausted(ctx)
	if err != nil {
		return 0, fmt.Errorf("list exhausted jobs: %w", err)
	}
	seen := make(map[int64]struct{}, len(exhausted))
	count := 0
	for _, job := range exhausted {
		if _, dup := seen[job.BookmarkID]; dup {
			continue
		}
		seen[job.BookmarkID] = struct{}{}
		flagged, err := o.sweepOne(ctx, job)
		if err != nil {
			return count, err
		}
		if flagged {
			count++
		}
	}
	if count > 0 {
		o.logger.Info("bookmarks marked permanently failed", zap.Int("count", count))
	}
	return count, nil
}

func (o *Orchestrator) sweepOne(ctx context.Context, job crawljob.Job) (bool, error) {
	unlock := o.bookmarks.Lock(job.BookmarkID)
	defer unlock()

	latest, err := o.jobs.FindByBookmark(ctx, job.BookmarkID)
	if err != nil {
		return false, err
	}
	// A newer submission supersedes the exhausted row.
	if latest.ID != job.ID {
		return false, nil
	}
	already, err := o.contents.IsPermanentlyFailed(ctx, job.BookmarkID)
	if err != nil || already {
		return false, err
	}
	flagged, err := o.contents.MarkPermanentlyFailed(ctx, job.BookmarkID, job.URL)
	if err != nil {
		return false, err
	}
	if flagged {
		metrics.ObservePermanentFailure()
		o.logger.Info("bookmark permanently failed", jobFields(job)...)
	}
	return flagged, nil
}

// CancelAllPending asks the crawl service to cancel every pending job, then
// fails each one locally regardless of the remote answer.
func (o *Orchestrator) CancelAllPending(ctx context.Context) (CancelReport, error) {
	var report CancelReport
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = o.cancelAllPending(ctx)
		return err
	})
	return report, err
}

func (o *Orchestrator) cancelAllPending(ctx context.Context) (CancelReport, error) {
	var report CancelReport
	pending, err := o.jobs.ListByStatus(ctx, crawljob.JobStatusPending)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		ok, err := o.client.Cancel(ctx, job.ID)
		switch {
		case err != nil:
			report.RemoteFailed++
			o.logger.Warn("remote cancel failed", append(jobFields(job), zap.Error(err))...)
		case ok:
			report.RemoteCancelled++
		default:
			report.RemoteFailed++
		}
		failed, err := o.failPending(ctx, job, ReasonManualCancel, "cancel")
		if err != nil {
			return report, err
		}
		if failed {
			report.Cancelled++
		}
	}
	o.logger.Info("pending jobs cancelled",
		zap.Int("cancelled", report.Cancelled),
		zap.Int("remote_cancelled", report.RemoteCancelled),
		zap.Int("remote_failed", report.RemoteFailed),
	)
	return report, nil
}

// MarkAllPendingFailed fails every pending job locally without contacting the
// crawl service.
func (o *Orchestrator) MarkAllPendingFailed(ctx context.Context) (int, error) {
	return o.exclusiveCount(ctx, o.markAllPendingFailed)
}

func (o *Orchestrator) markAllPendingFailed(ctx context.Context) (int, error) {
	pending, err := o.jobs.ListByStatus(ctx, crawljob.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	count := 0
	for _, job := range pending {
		ok, err := o.failPending(ctx, job, ReasonStuckCleanup, "cleanup")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	o.logger.Info("pending jobs marked failed", zap.Int("count", count))
	return count, nil
}

// failPending fails job with reason if the row is still pending, then flags
// the bookmark when the job had no retries left. It reports whether the row
// changed.
func (o *Orchestrator) failPending(ctx context.Context, job crawljob.Job, reason, cause string) (bool, error) {
	unlock := o.bookmarks.Lock(job.BookmarkID)
	defer unlock()

	current, err := o.jobs.Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, crawljob.ErrNotFound) {
			o.logger.Error("job row missing", jobFields(job)...)
			return false, nil
		}
		return false, err
	}
	if current.Status != crawljob.JobStatusPending {
		return false, nil
	}
	if err := o.jobs.UpdateStatus(ctx, current.ID, crawljob.JobStatusFailed, &reason); err != nil {
		if errors.Is(err, crawljob.ErrNotFound) {
			o.logger.Error("job row missing", jobFields(current)...)
			return false, nil
		}
		return false, err
	}
	metrics.ObserveTransition(string(crawljob.JobStatusFailed), cause)
	o.logger.Info("pending job failed", append(jobFields(current), zap.String("reason", reason))...)
	if err := o.flagExhausted(ctx, current); err != nil && !errors.Is(err, crawljob.ErrNotFound) {
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) exclusiveCount(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	var n int
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		n, err = fn(ctx)
		return err
	})
	return n, err
}
