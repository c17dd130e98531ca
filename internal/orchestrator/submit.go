package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// SubmitReport summarizes a SubmitBookmarks run.
type SubmitReport struct {
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// FetchContent submits a crawl for the bookmark unless it already has content,
// is flagged permanently failed, or has any job row; in those cases it returns
// (nil, nil). A failed job is resubmitted only by RetryFailedJobs, which keeps
// the retry count. A *crawljob.SubmissionError means nothing was recorded.
func (o *Orchestrator) FetchContent(ctx context.Context, bookmarkID int64, url string) (*crawljob.Job, error) {
	var job *crawljob.Job
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		job, err = o.fetchContent(ctx, bookmarkID, url)
		return err
	})
	return job, err
}

func (o *Orchestrator) fetchContent(ctx context.Context, bookmarkID int64, url string) (*crawljob.Job, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("bookmark %d: url is required", bookmarkID)
	}
	unlock := o.bookmarks.Lock(bookmarkID)
	defer unlock()

	skip, reason, err := o.alreadyHandled(ctx, bookmarkID)
	if err != nil {
		return nil, err
	}
	if !skip {
		skip, reason, err = o.hasJob(ctx, bookmarkID)
		if err != nil {
			return nil, err
		}
	}
	if skip {
		metrics.ObserveSubmission("skipped")
		o.logger.Debug("fetch skipped", zap.Int64("bookmark_id", bookmarkID), zap.String("reason", reason))
		return nil, nil
	}

	remoteID, err := o.submit(ctx, url)
	if err != nil {
		metrics.ObserveSubmission("failed")
		o.logger.Warn("crawl submission failed",
			zap.Int64("bookmark_id", bookmarkID),
			zap.String("url", url),
			zap.Error(err),
		)
		return nil, err
	}

	now := o.now()
	job := crawljob.Job{
		ID:         remoteID,
		BookmarkID: bookmarkID,
		URL:        url,
		Status:     crawljob.JobStatusPending,
		MaxRetries: o.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.jobs.Insert(ctx, job); err != nil {
		if errors.Is(err, crawljob.ErrDuplicateJob) {
			// Another writer recorded a pending job for this bookmark first.
			o.cancelOrphan(ctx, bookmarkID, remoteID)
			metrics.ObserveSubmission("skipped")
			o.logger.Info("fetch skipped, pending job recorded concurrently", jobFields(job)...)
			return nil, nil
		}
		return nil, fmt.Errorf("record job %s: %w", job.ShortID(), err)
	}
	if err := o.contents.MarkAttempted(ctx, bookmarkID, url); err != nil {
		return nil, fmt.Errorf("mark attempted: %w", err)
	}
	metrics.ObserveSubmission("submitted")
	o.logger.Info("crawl job submitted", jobFields(job)...)
	return &job, nil
}

// SubmitBookmarks calls FetchContent for each bookmark until limit jobs were
// submitted (limit <= 0 means no limit). Submission errors are counted and the
// run continues; store unavailability aborts it. The whole run holds the cycle
// lock.
func (o *Orchestrator) SubmitBookmarks(
	ctx context.Context,
	bookmarks []crawljob.Bookmark,
	limit int,
) (SubmitReport, error) {
	var report SubmitReport
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = o.submitBookmarks(ctx, bookmarks, limit)
		return err
	})
	return report, err
}

func (o *Orchestrator) submitBookmarks(
	ctx context.Context,
	bookmarks []crawljob.Bookmark,
	limit int,
) (SubmitReport, error) {
	var report SubmitReport
	for _, bm := range bookmarks {
		if limit > 0 && report.Submitted >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		job, err := o.fetchContent(ctx, bm.ID, bm.URL)
		switch {
		case err == nil && job == nil:
			report.Skipped++
		case err == nil:
			report.Submitted++
		case storeDown(err):
			return report, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return report, err
		default:
			report.Failed++
		}
	}
	o.logger.Info("bookmark submission finished",
		zap.Int("submitted", report.Submitted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// alreadyHandled applies the content and permanent-failure checks.
func (o *Orchestrator) alreadyHandled(ctx context.Context, bookmarkID int64) (bool, string, error) {
	has, err := o.contents.HasContent(ctx, bookmarkID)
	if err != nil {
		return false, "", err
	}
	if has {
		return true, "content exists", nil
	}
	failed, err := o.contents.IsPermanentlyFailed(ctx, bookmarkID)
	if err != nil {
		return false, "", err
	}
	if failed {
		return true, "permanently failed", nil
	}
	return false, "", nil
}

// hasJob reports whether the bookmark already has a job row of any status.
func (o *Orchestrator) hasJob(ctx context.Context, bookmarkID int64) (bool, string, error) {
	latest, err := o.jobs.FindByBookmark(ctx, bookmarkID)
	switch {
	case errors.Is(err, crawljob.ErrNotFound):
		return false, "", nil
	case err != nil:
		return false, "", err
	case latest.Status == crawljob.JobStatusPending:
		return true, "job pending", nil
	case latest.Status == crawljob.JobStatusFailed && latest.Exhausted():
		return true, "retries exhausted", nil
	default:
		return true, "job " + string(latest.Status), nil
	}
}

func (o *Orchestrator) submit(ctx context.Context, url string) (string, error) {
	if err := o.throttle.Wait(ctx, url); err != nil {
		return "", err
	}
	return o.client.Submit(ctx, url)
}
