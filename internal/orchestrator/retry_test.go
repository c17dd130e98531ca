package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

func TestRetryLifecycleEndsInPermanentFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, 1)
	for attempt := 0; attempt <= 3; attempt++ {
		require.Equal(t, attempt, job.RetryCount)
		h.crawl.script(job.ID, failed("upstream 500"), nil)
		report, err := h.orch.UpdatePendingJobs(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Failed)

		h.clock.Advance(time.Minute)
		retry, err := h.orch.RetryFailedJobs(ctx)
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, 1, retry.Retried)
			require.Equal(t, attempt, retry.Skipped)
		} else {
			require.Zero(t, retry.Retried)
		}
		job = h.latest(t, 1)
	}

	require.Equal(t, 3, job.RetryCount)
	require.Equal(t, crawljob.JobStatusFailed, job.Status)
	require.Equal(t, 4, h.crawl.submissions())

	flagged, err := h.contents.IsPermanentlyFailed(ctx, 1)
	require.NoError(t, err)
	require.True(t, flagged)

	again, err := h.orch.FetchContent(ctx, 1, "https://example.com/1")
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, 4, h.crawl.submissions())

	swept, err := h.orch.SweepPermanentlyFailed(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestRetryFailedJobsKeepsHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first := h.submit(t, 1)
	h.crawl.script(first.ID, failed("boom"), nil)
	_, err := h.orch.UpdatePendingJobs(ctx)
	require.NoError(t, err)

	report, err := h.orch.RetryFailedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, RetryReport{Retried: 1}, report)

	next := h.latest(t, 1)
	require.NotEqual(t, first.ID, next.ID)
	require.Equal(t, 1, next.RetryCount)
	require.Equal(t, crawljob.JobStatusPending, next.Status)

	failedJobs, err := h.jobs.ListByStatus(ctx, crawljob.JobStatusFailed)
	require.NoError(t, err)
	require.Len(t, failedJobs, 1)
	require.Equal(t, first.ID, failedJobs[0].ID)

	// The superseded row is never resubmitted.
	report, err = h.orch.RetryFailedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, RetryReport{Skipped: 1}, report)
	require.Equal(t, 2, h.crawl.submissions())
}

func TestRetryFailedJobsSubmitFailureLeavesRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, 1)
	h.crawl.script(job.ID, failed("boom"), nil)
	_, err := h.orch.UpdatePendingJobs(ctx)
	require.NoError(t, err)

	h.crawl.failSubmissions(context.DeadlineExceeded)
	report, err := h.orch.RetryFailedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, RetryReport{SubmitFailed: 1}, report)

	latest := h.latest(t, 1)
	require.Equal(t, job.ID, latest.ID)
	require.Equal(t, crawljob.JobStatusFailed, latest.Status)
	require.Equal(t, 0, latest.RetryCount)
}

func TestRetryFailedJobsSkipsBookmarkWithContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, 1)
	h.crawl.script(job.ID, failed("boom"), nil)
	_, err := h.orch.UpdatePendingJobs(ctx)
	require.NoError(t, err)
	_, err = h.contents.CommitContent(ctx, 1, job.URL, "", "late content")
	require.NoError(t, err)

	report, err := h.orch.RetryFailedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, RetryReport{Skipped: 1}, report)
	require.Equal(t, 1, h.crawl.submissions())
}
