package crawljob

import (
	"context"
	"io"
	"time"
)

// JobStore persists crawl jobs. Every write touches a single row. A bookmark
// has at most one pending row; an insert that would add a second one fails
// with ErrDuplicateJob.
type JobStore interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error
	// IncrementRetry records a resubmission of a failed job as a new pending row
	// with id newJobID and retry_count one higher than the failed row.
	IncrementRetry(ctx context.Context, jobID string, newJobID string) (Job, error)
	// FindByBookmark returns the most recent job for a bookmark or ErrNotFound.
	FindByBookmark(ctx context.Context, bookmarkID int64) (Job, error)
	HasPending(ctx context.Context, bookmarkID int64) (bool, error)
	ListByStatus(ctx context.Context, status JobStatus) ([]Job, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]Job, error)
	// ListExhausted returns failed jobs whose retry_count reached max_retries.
	ListExhausted(ctx context.Context) ([]Job, error)
	Stats(ctx context.Context) (JobStats, error)
}

// ContentStore persists fetched content and fetch flags per bookmark.
// CommitContent and MarkPermanentlyFailed report whether state changed; once a
// record reached either terminal state both are no-ops.
type ContentStore interface {
	Get(ctx context.Context, bookmarkID int64) (Content, error)
	HasContent(ctx context.Context, bookmarkID int64) (bool, error)
	IsPermanentlyFailed(ctx context.Context, bookmarkID int64) (bool, error)
	MarkAttempted(ctx context.Context, bookmarkID int64, url string) error
	CommitContent(ctx context.Context, bookmarkID int64, url, title, body string) (bool, error)
	MarkPermanentlyFailed(ctx context.Context, bookmarkID int64, url string) (bool, error)
	ListCommitted(ctx context.Context, limit int) ([]Content, error)
	Stats(ctx context.Context) (ContentStats, error)
}

// CrawlClient talks to the remote crawl service. Implementations never retry.
type CrawlClient interface {
	Submit(ctx context.Context, url string) (string, error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// BookmarkSource lists bookmarks from the upstream bookmark service.
type BookmarkSource interface {
	List(ctx context.Context, window DateRange) ([]Bookmark, error)
}

// Locker gates entry to a batch cycle. TryLock returns ok=false when the lock
// is held elsewhere; the returned release func must be called when ok is true.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(context.Context) error, ok bool, err error)
}

// Notifier announces committed content to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
