package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// RetryReport summarizes a RetryFailedJobs run.
type RetryReport struct {
	Retried      int `json:"retried"`
	SubmitFailed int `json:"submit_failed"`
	Skipped      int `json:"skipped"`
}

// RetryFailedJobs resubmits failed jobs that still have retries left. Each
// success adds a new pending row with retry_count one higher; the failed row
// stays as history. A failed row that is no longer the bookmark's latest job
// has been superseded and is skipped.
func (o *Orchestrator) RetryFailedJobs(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = o.retryFailedJobs(ctx)
		return err
	})
	return report, err
}

func (o *Orchestrator) retryFailedJobs(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	failed, err := o.jobs.ListByStatus(ctx, crawljob.JobStatusFailed)
	if err != nil {
		return report, fmt.Errorf("list failed jobs: %w", err)
	}
	for _, job := range failed {
		if !job.Retryable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		retried, err := o.retryOne(ctx, job)
		if err != nil {
			if storeDown(err) {
				return report, err
			}
			report.SubmitFailed++
			continue
		}
		if retried {
			report.Retried++
		} else {
			report.Skipped++
		}
	}
	o.logger.Info("failed jobs retried",
		zap.Int("retried", report.Retried),
		zap.Int("submit_failed", report.SubmitFailed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (o *Orchestrator) retryOne(ctx context.Context, job crawljob.Job) (bool, error) {
	unlock := o.bookmarks.Lock(job.BookmarkID)
	defer unlock()

	latest, err := o.jobs.FindByBookmark(ctx, job.BookmarkID)
	if err != nil {
		return false, err
	}
	if latest.ID != job.ID {
		return false, nil
	}
	skip, reason, err := o.alreadyHandled(ctx, job.BookmarkID)
	if err != nil {
		return false, err
	}
	if !skip {
		pending, err := o.jobs.HasPending(ctx, job.BookmarkID)
		if err != nil {
			return false, err
		}
		skip, reason = pending, "job pending"
	}
	if skip {
		o.logger.Debug("retry skipped", append(jobFields(job), zap.String("reason", reason))...)
		return false, nil
	}

	remoteID, err := o.submit(ctx, job.URL)
	if err != nil {
		metrics.ObserveRetry("submit_failed")
		o.logger.Warn("retry submission failed", append(jobFields(job), zap.Error(err))...)
		return false, err
	}
	next, err := o.jobs.IncrementRetry(ctx, job.ID, remoteID)
	if err != nil {
		if errors.Is(err, crawljob.ErrRetryCeiling) || errors.Is(err, crawljob.ErrDuplicateJob) {
			o.logger.Warn("retry not recorded",
				append(jobFields(job), zap.String("orphan_remote_id", remoteID), zap.Error(err))...)
			o.cancelOrphan(ctx, job.BookmarkID, remoteID)
			return false, nil
		}
		if storeDown(err) {
			return false, err
		}
		o.logger.Error("record retry failed",
			append(jobFields(job), zap.String("orphan_remote_id", remoteID), zap.Error(err))...)
		return false, nil
	}
	if err := o.contents.MarkAttempted(ctx, job.BookmarkID, job.URL); err != nil {
		return false, err
	}
	metrics.ObserveRetry("retried")
	o.logger.Info("crawl job retried", append(jobFields(next), zap.String("previous_job_id", job.ShortID()))...)
	return true, nil
}
