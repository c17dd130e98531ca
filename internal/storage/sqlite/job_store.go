package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const jobColumns = `job_id, bookmark_id, url, status, retry_count, max_retries,
	error_message, created_at, updated_at, completed_at`

// JobStore implements crawljob.JobStore on SQLite.
type JobStore struct {
	db *DB
}

// NewJobStore returns a job store backed by db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Insert stores a new job row.
func (s *JobStore) Insert(ctx context.Context, job crawljob.Job) error {
	now := s.db.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.BookmarkID, job.URL, string(job.Status), job.RetryCount, job.MaxRetries,
		job.ErrorMessage, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), job.CompletedAt,
	)
	if err != nil {
		if isConstraint(err) {
			return crawljob.ErrDuplicateJob
		}
		return crawljob.Unavailable("insert crawl job", err)
	}
	return nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (crawljob.Job, error) {
	job, err := scanJob(s.db.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE job_id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawljob.Job{}, crawljob.ErrNotFound
		}
		return crawljob.Job{}, crawljob.Unavailable("get crawl job", err)
	}
	return job, nil
}

// UpdateStatus sets status and error message, stamping completed_at for terminal states.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	status crawljob.JobStatus,
	errMsg *string,
) error {
	now := s.db.now()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ?`,
		string(status), errMsg, now, completedAt, jobID,
	)
	if err != nil {
		return crawljob.Unavailable("update crawl job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawljob.Unavailable("update crawl job", err)
	}
	if n == 0 {
		return crawljob.ErrNotFound
	}
	return nil
}

// IncrementRetry inserts the pending retry row for a failed job in one transaction.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID string, newJobID string) (crawljob.Job, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return crawljob.Job{}, crawljob.Unavailable("begin retry", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE job_id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	now := s.db.now()
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crawl_jobs (job_id, bookmark_id, url, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.BookmarkID, next.URL, string(next.Status), next.RetryCount, next.MaxRetries, now, now,
	); err != nil {
		if isConstraint(err) {
			return crawljob.Job{}, crawljob.ErrDuplicateJob
		}
		return crawljob.Job{}, crawljob.Unavailable("insert retry job", err)
	}
	if err := tx.Commit(); err != nil {
		return crawljob.Job{}, crawljob.Unavailable("commit retry", err)
	}
	return next, nil
}

// FindByBookmark returns the most recent job for a bookmark.
func (s *JobStore) FindByBookmark(ctx context.Context, bookmarkID int64) (crawljob.Job, error) {
	job, err := scanJob(s.db.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM crawl_jobs
		WHERE bookmark_id = ?
		ORDER BY created_at DESC, retry_count DESC, rowid DESC
		LIMIT 1`, bookmarkID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawljob.Job{}, crawljob.ErrNotFound
		}
		return crawljob.Job{}, crawljob.Unavailable("find crawl job", err)
	}
	return job, nil
}

// HasPending reports whether the bookmark has a pending job.
func (s *JobStore) HasPending(ctx context.Context, bookmarkID int64) (bool, error) {
	var exists bool
	err := s.db.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM crawl_jobs WHERE bookmark_id = ? AND status = 'pending')`,
		bookmarkID,
	).Scan(&exists)
	if err != nil {
		return false, crawljob.Unavailable("check pending job", err)
	}
	return exists, nil
}

// ListByStatus returns jobs in status ordered by creation.
func (s *JobStore) ListByStatus(ctx context.Context, status crawljob.JobStatus) ([]crawljob.Job, error) {
	return s.list(ctx, "list crawl jobs", `WHERE status = ?`, string(status))
}

// ListStalePending returns pending jobs created before olderThan.
func (s *JobStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]crawljob.Job, error) {
	return s.list(ctx, "list stale jobs", `WHERE status = 'pending' AND created_at < ?`, olderThan.UTC())
}

// ListExhausted returns failed jobs with no retries left.
func (s *JobStore) ListExhausted(ctx context.Context) ([]crawljob.Job, error) {
	return s.list(ctx, "list exhausted jobs", `WHERE status = 'failed' AND retry_count >= max_retries`)
}

// Stats counts jobs by status.
func (s *JobStore) Stats(ctx context.Context) (crawljob.JobStats, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM crawl_jobs GROUP BY status`)
	if err != nil {
		return crawljob.JobStats{}, crawljob.Unavailable("job stats", err)
	}
	defer rows.Close()
	var stats crawljob.JobStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return crawljob.JobStats{}, crawljob.Unavailable("job stats", err)
		}
		stats.Total += count
		switch crawljob.JobStatus(status) {
		case crawljob.JobStatusPending:
			stats.Pending = count
		case crawljob.JobStatusCompleted:
			stats.Completed = count
		case crawljob.JobStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return crawljob.JobStats{}, crawljob.Unavailable("job stats", err)
	}
	stats.ComputeSuccessRate()
	return stats, nil
}

func (s *JobStore) list(ctx context.Context, op, where string, args ...any) ([]crawljob.Job, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs `+where+` ORDER BY created_at ASC, rowid ASC`, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (crawljob.Job, error) {
	var (
		job         crawljob.Job
		status      string
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.BookmarkID, &job.URL, &status, &job.RetryCount, &job.MaxRetries,
		&errMsg, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	); err != nil {
		return crawljob.Job{}, err
	}
	job.Status = crawljob.JobStatus(status)
	job.ErrorMessage = nullString(errMsg)
	job.CompletedAt = nullTime(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
