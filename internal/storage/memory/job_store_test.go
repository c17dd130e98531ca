package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

func pendingJob(id string, bookmarkID int64) crawljob.Job {
	return crawljob.Job{
		ID:         id,
		BookmarkID: bookmarkID,
		URL:        "https://example.com/a",
		Status:     crawljob.JobStatusPending,
		MaxRetries: 3,
	}
}

func TestJobStoreInsertAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewJobStore(clock)

	require.NoError(t, store.Insert(ctx, pendingJob("job-1", 7)))
	require.ErrorIs(t, store.Insert(ctx, pendingJob("job-1", 7)), crawljob.ErrDuplicateJob)

	job, err := store.FindByBookmark(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, clock.Now(), job.CreatedAt)

	_, err = store.FindByBookmark(ctx, 99)
	require.ErrorIs(t, err, crawljob.ErrNotFound)

	pending, err := store.HasPending(ctx, 7)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestJobStoreUpdateStatusSetsCompletedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewJobStore(clock)
	require.NoError(t, store.Insert(ctx, pendingJob("job-1", 7)))

	clock.Advance(time.Minute)
	msg := "boom"
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawljob.JobStatusFailed, &msg))
	msg = "mutated"

	job, err := store.FindByBookmark(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, crawljob.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	require.Equal(t, "boom", *job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, clock.Now(), *job.CompletedAt)

	require.ErrorIs(t, store.UpdateStatus(ctx, "missing", crawljob.JobStatusFailed, nil), crawljob.ErrNotFound)
}

func TestJobStoreIncrementRetryCreatesNewRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewJobStore(clock)
	require.NoError(t, store.Insert(ctx, pendingJob("job-1", 7)))

	_, err := store.IncrementRetry(ctx, "job-1", "job-2")
	require.Error(t, err, "pending jobs cannot be retried")

	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawljob.JobStatusFailed, nil))
	clock.Advance(time.Second)
	next, err := store.IncrementRetry(ctx, "job-1", "job-2")
	require.NoError(t, err)
	require.Equal(t, 1, next.RetryCount)
	require.Equal(t, crawljob.JobStatusPending, next.Status)
	require.Equal(t, 3, next.MaxRetries)

	latest, err := store.FindByBookmark(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "job-2", latest.ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Failed)

	_, err = store.IncrementRetry(ctx, "missing", "job-3")
	require.ErrorIs(t, err, crawljob.ErrNotFound)
}

func TestJobStoreIncrementRetryRespectsCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore(nil)
	job := pendingJob("job-1", 7)
	job.Status = crawljob.JobStatusFailed
	job.RetryCount = 3
	require.NoError(t, store.Insert(ctx, job))

	_, err := store.IncrementRetry(ctx, "job-1", "job-2")
	require.ErrorIs(t, err, crawljob.ErrRetryCeiling)

	exhausted, err := store.ListExhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	require.Equal(t, "job-1", exhausted[0].ID)
}

func TestJobStoreListStalePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewJobStore(clock)
	require.NoError(t, store.Insert(ctx, pendingJob("old", 1)))
	clock.Advance(25 * time.Hour)
	require.NoError(t, store.Insert(ctx, pendingJob("fresh", 2)))

	stale, err := store.ListStalePending(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)

	pending, err := store.ListByStatus(ctx, crawljob.JobStatusPending)
	require.NoError(t, err)
	require.Equal(t, []string{"old", "fresh"}, []string{pending[0].ID, pending[1].ID})
}

func TestJobStoreAllowsOnePendingJobPerBookmark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore(newFakeClock())

	require.NoError(t, store.Insert(ctx, pendingJob("job-1", 7)))
	require.ErrorIs(t, store.Insert(ctx, pendingJob("job-2", 7)), crawljob.ErrDuplicateJob)
	require.NoError(t, store.Insert(ctx, pendingJob("job-3", 8)))

	msg := "boom"
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawljob.JobStatusFailed, &msg))
	require.NoError(t, store.Insert(ctx, pendingJob("job-4", 7)))

	// The retry row would be a second pending job.
	_, err := store.IncrementRetry(ctx, "job-1", "job-5")
	require.ErrorIs(t, err, crawljob.ErrDuplicateJob)
}

func TestJobStoreGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewJobStore(newFakeClock())
	require.NoError(t, store.Insert(ctx, pendingJob("job-1", 7)))

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), job.BookmarkID)
	require.Equal(t, crawljob.JobStatusPending, job.Status)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, crawljob.ErrNotFound)
}
