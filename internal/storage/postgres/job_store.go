package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const uniqueViolation = "23505"

const jobColumns = `job_id, bookmark_id, url, status, retry_count, max_retries, ` +
	`error_message, created_at, updated_at, completed_at`

// JobStore implements crawljob.JobStore on Postgres.
type JobStore struct {
	pool  Pool
	clock crawljob.Clock
}

// NewJobStore constructs a JobStore from an existing pool.
func NewJobStore(pool Pool, clock crawljob.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, clock: clockOrWall(clock)}, nil
}

// Insert stores a new job row.
func (s *JobStore) Insert(ctx context.Context, job crawljob.Job) error {
	now := s.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID, job.BookmarkID, job.URL, string(job.Status), job.RetryCount, job.MaxRetries,
		job.ErrorMessage, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return crawljob.ErrDuplicateJob
		}
		return crawljob.Unavailable("insert crawl job", err)
	}
	return nil
}

// UpdateStatus sets status and error message, stamping completed_at for terminal states.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	status crawljob.JobStatus,
	errMsg *string,
) error {
	now := s.clock.Now()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $1, error_message = $2, updated_at = $3, completed_at = $4
WHERE job_id = $5`,
		string(status), errMsg, now, completedAt, jobID,
	)
	if err != nil {
		return crawljob.Unavailable("update crawl job", err)
	}
	if tag.RowsAffected() == 0 {
		return crawljob.ErrNotFound
	}
	return nil
}

// IncrementRetry inserts the pending retry row for a failed job in one transaction.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID string, newJobID string) (crawljob.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawljob.Job{}, crawljob.Unavailable("begin retry", err)
	}
	next, err := s.incrementRetry(ctx, tx, jobID, newJobID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return crawljob.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return crawljob.Job{}, crawljob.Unavailable("commit retry", err)
	}
	return next, nil
}

func (s *JobStore) incrementRetry(ctx context.Context, tx pgx.Tx, jobID, newJobID string) (crawljob.Job, error) {
	prev, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawljob.Job{}, crawljob.ErrNotFound
		}
		return crawljob.Job{}, crawljob.Unavailable("load retry source", err)
	}
	if prev.Exhausted() {
		return crawljob.Job{}, crawljob.ErrRetryCeiling
	}
	if prev.Status != crawljob.JobStatusFailed {
		return crawljob.Job{}, fmt.Errorf("job %s is %s, not failed", jobID, prev.Status)
	}
	now := s.clock.Now()
	next := crawljob.Job{
		ID:         newJobID,
		BookmarkID: prev.BookmarkID,
		URL:        prev.URL,
		Status:     crawljob.JobStatusPending,
		RetryCount: prev.RetryCount + 1,
		MaxRetries: prev.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO crawl_jobs (job_id, bookmark_id, url, status, retry_count, max_retries, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		next.ID, next.BookmarkID, next.URL, string(next.Status), next.RetryCount, next.MaxRetries, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return crawljob.Job{}, crawljob.ErrDuplicateJob
		}
		return crawljob.Job{}, crawljob.Unavailable("insert retry job", err)
	}
	return next, nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (crawljob.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawljob.Job{}, crawljob.ErrNotFound
		}
		return crawljob.Job{}, crawljob.Unavailable("get crawl job", err)
	}
	return job, nil
}

// FindByBookmark returns the most recent job for a bookmark.
func (s *JobStore) FindByBookmark(ctx context.Context, bookmarkID int64) (crawljob.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM crawl_jobs
WHERE bookmark_id = $1
ORDER BY created_at DESC, retry_count DESC
LIMIT 1`, bookmarkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawljob.Job{}, crawljob.ErrNotFound
		}
		return crawljob.Job{}, crawljob.Unavailable("find crawl job", err)
	}
	return job, nil
}

// HasPending reports whether the bookmark has a pending job.
func (s *JobStore) HasPending(ctx context.Context, bookmarkID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM crawl_jobs WHERE bookmark_id = $1 AND status = 'pending')`,
		bookmarkID,
	).Scan(&exists)
	if err != nil {
		return false, crawljob.Unavailable("check pending job", err)
	}
	return exists, nil
}

// ListByStatus returns jobs in status ordered by creation.
func (s *JobStore) ListByStatus(ctx context.Context, status crawljob.JobStatus) ([]crawljob.Job, error) {
	return s.list(ctx, "list crawl jobs", `WHERE status = $1`, string(status))
}

// ListStalePending returns pending jobs created before olderThan.
func (s *JobStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]crawljob.Job, error) {
	return s.list(ctx, "list stale jobs", `WHERE status = 'pending' AND created_at < $1`, olderThan)
}

// ListExhausted returns failed jobs with no retries left.
func (s *JobStore) ListExhausted(ctx context.Context) ([]crawljob.Job, error) {
	return s.list(ctx, "list exhausted jobs", `WHERE status = 'failed' AND retry_count >= max_retries`)
}

// Stats counts jobs by status.
func (s *JobStore) Stats(ctx context.Context) (crawljob.JobStats, error) {
	var stats crawljob.JobStats
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed')
FROM crawl_jobs`).Scan(&stats.Total, &stats.Pending, &stats.Completed, &stats.Failed)
	if err != nil {
		return crawljob.JobStats{}, crawljob.Unavailable("job stats", err)
	}
	stats.ComputeSuccessRate()
	return stats, nil
}

func (s *JobStore) list(ctx context.Context, op, where string, args ...any) ([]crawljob.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, crawljob.Unavailable(op, err)
	}
	defer rows.Close()
	jobs := make([]crawljob.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, crawljob.Unavailable(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, crawljob.Unavailable(op, err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawljob.Job, error) {
	var (
		job    crawljob.Job
		status string
	)
	if err := row.Scan(
		&job.ID, &job.BookmarkID, &job.URL, &status, &job.RetryCount, &job.MaxRetries,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	); err != nil {
		return crawljob.Job{}, err
	}
	job.Status = crawljob.JobStatus(status)
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
