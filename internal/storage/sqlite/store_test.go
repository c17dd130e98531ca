package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) (*DB, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, err := Open(filepath.Join(t.TempDir(), "contentfetch.db"), clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db, clock
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	db, _ := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Ping(context.Background()))
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, clock := openTestDB(t)
	store := NewJobStore(db)

	job := crawljob.Job{
		ID:         "job-1",
		BookmarkID: 42,
		URL:        "https://example.com/post",
		Status:     crawljob.JobStatusPending,
		MaxRetries: 3,
	}
	require.NoError(t, store.Insert(ctx, job))
	require.ErrorIs(t, store.Insert(ctx, job), crawljob.ErrDuplicateJob)

	pending, err := store.HasPending(ctx, 42)
	require.NoError(t, err)
	require.True(t, pending)

	clock.Advance(time.Minute)
	msg := "crawl failed"
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawljob.JobStatusFailed, &msg))
	require.ErrorIs(t, store.UpdateStatus(ctx, "nope", crawljob.JobStatusFailed, nil), crawljob.ErrNotFound)

	failed, err := store.FindByBookmark(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, crawljob.JobStatusFailed, failed.Status)
	require.Equal(t, "crawl failed", *failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)
	require.True(t, clock.Now().Equal(*failed.CompletedAt))

	clock.Advance(time.Minute)
	next, err := store.IncrementRetry(ctx, "job-1", "job-2")
	require.NoError(t, err)
	require.Equal(t, 1, next.RetryCount)

	latest, err := store.FindByBookmark(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "job-2", latest.ID)
	require.Equal(t, crawljob.JobStatusPending, latest.Status)
	require.Nil(t, latest.ErrorMessage)

	_, err = store.IncrementRetry(ctx, "job-2", "job-3")
	require.Error(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawljob.JobStats{Total: 2, Pending: 1, Failed: 1, SuccessRate: 0}, stats)

	_, err = store.FindByBookmark(ctx, 7)
	require.ErrorIs(t, err, crawljob.ErrNotFound)
}

func TestJobStoreRetryCeilingAndExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, _ := openTestDB(t)
	store := NewJobStore(db)

	require.NoError(t, store.Insert(ctx, crawljob.Job{
		ID:         "job-9",
		BookmarkID: 9,
		URL:        "https://example.com/9",
		Status:     crawljob.JobStatusFailed,
		RetryCount: 3,
		MaxRetries: 3,
	}))
	_, err := store.IncrementRetry(ctx, "job-9", "job-10")
	require.ErrorIs(t, err, crawljob.ErrRetryCeiling)

	exhausted, err := store.ListExhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	require.Equal(t, int64(9), exhausted[0].BookmarkID)
}

func TestJobStoreListStalePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, clock := openTestDB(t)
	store := NewJobStore(db)

	require.NoError(t, store.Insert(ctx, crawljob.Job{
		ID: "old", BookmarkID: 1, URL: "u1", Status: crawljob.JobStatusPending, MaxRetries: 3,
	}))
	clock.Advance(25 * time.Hour)
	require.NoError(t, store.Insert(ctx, crawljob.Job{
		ID: "fresh", BookmarkID: 2, URL: "u2", Status: crawljob.JobStatusPending, MaxRetries: 3,
	}))

	stale, err := store.ListStalePending(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)

	all, err := store.ListByStatus(ctx, crawljob.JobStatusPending)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "old", all[0].ID)
}

func TestContentStoreTerminalStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, clock := openTestDB(t)
	store := NewContentStore(db)

	require.NoError(t, store.MarkAttempted(ctx, 1, "https://example.com/1"))
	has, err := store.HasContent(ctx, 1)
	require.NoError(t, err)
	require.False(t, has)

	changed, err := store.CommitContent(ctx, 1, "https://example.com/1", "Hello", "body text")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.CommitContent(ctx, 1, "https://example.com/1", "Again", "second body")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.MarkPermanentlyFailed(ctx, 1, "https://example.com/1")
	require.NoError(t, err)
	require.False(t, changed)

	content, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "body text", *content.Body)
	require.Equal(t, "Hello", *content.Title)
	require.Equal(t, 9, content.WordCount)
	require.True(t, content.FetchAttempted)
	require.False(t, content.FetchFailed)

	clock.Advance(time.Minute)
	changed, err = store.MarkPermanentlyFailed(ctx, 2, "https://example.com/2")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = store.CommitContent(ctx, 2, "https://example.com/2", "", "late")
	require.NoError(t, err)
	require.False(t, changed)

	failed, err := store.IsPermanentlyFailed(ctx, 2)
	require.NoError(t, err)
	require.True(t, failed)

	_, err = store.Get(ctx, 3)
	require.ErrorIs(t, err, crawljob.ErrNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawljob.ContentStats{
		Total: 2, WithContent: 1, WithoutContent: 1, PermanentlyFailed: 1,
	}, stats)

	committed, err := store.ListCommitted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, int64(1), committed[0].BookmarkID)
}

func TestJobStoreAllowsOnePendingJobPerBookmark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, _ := openTestDB(t)
	store := NewJobStore(db)

	pending := func(id string) crawljob.Job {
		return crawljob.Job{
			ID: id, BookmarkID: 9, URL: "https://example.com/9",
			Status: crawljob.JobStatusPending, MaxRetries: 3,
		}
	}
	require.NoError(t, store.Insert(ctx, pending("job-1")))
	require.ErrorIs(t, store.Insert(ctx, pending("job-2")), crawljob.ErrDuplicateJob)

	msg := "boom"
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawljob.JobStatusFailed, &msg))
	require.NoError(t, store.Insert(ctx, pending("job-3")))

	_, err := store.IncrementRetry(ctx, "job-1", "job-4")
	require.ErrorIs(t, err, crawljob.ErrDuplicateJob)

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawljob.JobStatusFailed, job.Status)
	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, crawljob.ErrNotFound)
}
