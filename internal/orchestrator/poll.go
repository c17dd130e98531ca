package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rainpipe/contentfetch/internal/archive"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// PollReport summarizes an UpdatePendingJobs run. Completed+Failed+StillPending+Errors
// equals the number of pending jobs examined, and Updated = Completed+Failed.
type PollReport struct {
	Updated      int `json:"updated"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

type pollOutcome int

const (
	outcomePending pollOutcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeError
)

func (r *PollReport) add(outcome pollOutcome) {
	switch outcome {
	case outcomeCompleted:
		r.Completed++
		r.Updated++
	case outcomeFailed:
		r.Failed++
		r.Updated++
	case outcomePending:
		r.StillPending++
	case outcomeError:
		r.Errors++
	}
}

// UpdatePendingJobs polls every pending job with bounded parallelism and
// applies the resulting transition. Per-job errors are isolated; a store
// outage aborts the phase and is returned.
func (o *Orchestrator) UpdatePendingJobs(ctx context.Context) (PollReport, error) {
	var report PollReport
	err := o.exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = o.updatePendingJobs(ctx)
		return err
	})
	return report, err
}

func (o *Orchestrator) updatePendingJobs(ctx context.Context) (PollReport, error) {
	var report PollReport
	pending, err := o.jobs.ListByStatus(ctx, crawljob.JobStatusPending)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PollConcurrency)
	for _, job := range pending {
		g.Go(func() error {
			outcome, err := o.pollOne(gctx, job)
			if err != nil {
				return err
			}
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	o.logger.Info("pending jobs polled",
		zap.Int("examined", len(pending)),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("still_pending", report.StillPending),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// pollOne returns an error only when the store is unavailable.
func (o *Orchestrator) pollOne(ctx context.Context, job crawljob.Job) (pollOutcome, error) {
	unlock := o.bookmarks.Lock(job.BookmarkID)
	defer unlock()

	res, err := o.client.Poll(ctx, job.ID)
	if err != nil {
		var permanent *crawljob.PermanentPollError
		switch {
		case errors.As(err, &permanent):
			metrics.ObservePollError("permanent")
			return o.failPolled(ctx, job, permanent.Reason)
		case crawljob.IsTransient(err):
			metrics.ObservePollError("transient")
			o.logger.Debug("transient poll error", append(jobFields(job), zap.Error(err))...)
			return outcomePending, nil
		default:
			metrics.ObservePollError("other")
			o.logger.Warn("poll failed", append(jobFields(job), zap.Error(err))...)
			return outcomeError, nil
		}
	}

	switch res.Status {
	case crawljob.JobStatusCompleted:
		return o.completePolled(ctx, job, res)
	case crawljob.JobStatusFailed:
		return o.failPolled(ctx, job, res.Error)
	default:
		return outcomePending, nil
	}
}

func (o *Orchestrator) completePolled(ctx context.Context, job crawljob.Job, res crawljob.PollResult) (pollOutcome, error) {
	committed, err := o.contents.CommitContent(ctx, job.BookmarkID, job.URL, res.Title, res.Body)
	if err != nil {
		return o.storeOutcome(job, "commit content", err)
	}
	if !committed {
		// A completed job must correspond to stored content.
		flagged, err := o.contents.IsPermanentlyFailed(ctx, job.BookmarkID)
		if err != nil {
			return o.storeOutcome(job, "check permanent failure", err)
		}
		if flagged {
			return o.failPolled(ctx, job, ReasonBookmarkFailed)
		}
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, crawljob.JobStatusCompleted, nil); err != nil {
		return o.storeOutcome(job, "mark completed", err)
	}
	metrics.ObserveTransition(string(crawljob.JobStatusCompleted), "poll")
	o.logger.Info("crawl job completed", append(jobFields(job), zap.Bool("content_committed", committed))...)
	if committed {
		o.announce(ctx, job, res)
	}
	return outcomeCompleted, nil
}

func (o *Orchestrator) failPolled(ctx context.Context, job crawljob.Job, reason string) (pollOutcome, error) {
	if reason == "" {
		reason = "unknown error"
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, crawljob.JobStatusFailed, &reason); err != nil {
		return o.storeOutcome(job, "mark failed", err)
	}
	metrics.ObserveTransition(string(crawljob.JobStatusFailed), "poll")
	o.logger.Info("crawl job failed", append(jobFields(job), zap.String("reason", reason))...)

	if err := o.flagExhausted(ctx, job); err != nil {
		return o.storeOutcome(job, "mark permanently failed", err)
	}
	return outcomeFailed, nil
}

// storeOutcome turns a store error into a poll outcome. Missing rows are an
// anomaly that is logged and counted; anything else aborts the phase.
func (o *Orchestrator) storeOutcome(job crawljob.Job, op string, err error) (pollOutcome, error) {
	if errors.Is(err, crawljob.ErrNotFound) {
		o.logger.Error("job row missing during "+op, jobFields(job)...)
		return outcomeError, nil
	}
	if storeDown(err) {
		return outcomeError, fmt.Errorf("%s for job %s: %w", op, job.ShortID(), err)
	}
	o.logger.Warn(op+" failed", append(jobFields(job), zap.Error(err))...)
	return outcomeError, nil
}

// announce archives and publishes committed content. Both are best effort and
// never change job state.
func (o *Orchestrator) announce(ctx context.Context, job crawljob.Job, res crawljob.PollResult) {
	now := o.now()
	event := crawljob.CommittedEvent{
		BookmarkID:  job.BookmarkID,
		URL:         job.URL,
		JobID:       job.ID,
		Title:       res.Title,
		WordCount:   utf8.RuneCountInString(res.Body),
		CommittedAt: now,
	}
	if o.archiver != nil {
		uri, err := o.archiver.Store(ctx, archive.Snapshot{
			BookmarkID:  job.BookmarkID,
			URL:         job.URL,
			JobID:       job.ID,
			Title:       res.Title,
			Body:        res.Body,
			WordCount:   event.WordCount,
			ExtractedAt: now,
		})
		if err != nil {
			o.logger.Warn("archive snapshot failed", append(jobFields(job), zap.Error(err))...)
		} else {
			event.ArchiveURI = uri
		}
	}
	if o.publisher != nil {
		if _, err := o.publisher.Publish(ctx, o.cfg.CommittedTopic, event); err != nil {
			o.logger.Warn("committed event publish failed", append(jobFields(job), zap.Error(err))...)
		}
	}
}
