// Package memory provides in-memory store implementations for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

// JobStore keeps crawl jobs in memory.
type JobStore struct {
	mu    sync.RWMutex
	clock crawljob.Clock
	seq   int64
	jobs  map[string]storedJob
}

type storedJob struct {
	job crawljob.Job
	seq int64
}

// NewJobStore constructs a JobStore. A nil clock uses the wall clock.
func NewJobStore(clock crawljob.Clock) *JobStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &JobStore{
		clock: clock,
		jobs:  make(map[string]storedJob),
	}
}

// Insert stores a new job.
func (s *JobStore) Insert(_ context.Context, job crawljob.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawljob.ErrDuplicateJob
	}
	if job.Status == crawljob.JobStatusPending && s.pendingFor(job.BookmarkID) {
		return crawljob.ErrDuplicateJob
	}
	now := s.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.put(job)
	return nil
}

// Get returns a job by id.
func (s *JobStore) Get(_ context.Context, jobID string) (crawljob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.jobs[jobID]
	if !ok {
		return crawljob.Job{}, crawljob.ErrNotFound
	}
	return cloneJob(stored.job), nil
}

// UpdateStatus sets the status and error message of a job.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	jobID string,
	status crawljob.JobStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[jobID]
	if !ok {
		return crawljob.ErrNotFound
	}
	now := s.clock.Now()
	job := stored.job
	job.Status = status
	job.ErrorMessage = cloneString(errMsg)
	job.UpdatedAt = now
	if status.Terminal() {
		job.CompletedAt = pointerTime(now)
	} else {
		job.CompletedAt = nil
	}
	stored.job = job
	s.jobs[jobID] = stored
	return nil
}

// IncrementRetry inserts the pending retry row for a failed job.
func (s *JobStore) IncrementRetry(_ context.Context, jobID string, newJobID string) (crawljob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[jobID]
	if !ok {
		return crawljob.Job{}, crawljob.ErrNotFound
	}
	prev := stored.job
	if prev.Exhausted() {
		return crawljob.Job{}, crawljob.ErrRetryCeiling
	}
	if prev.Status != crawljob.JobStatusFailed {
		return crawljob.Job{}, fmt.Errorf("job %s is %s, not failed", jobID, prev.Status)
	}
	if _, exists := s.jobs[newJobID]; exists {
		return crawljob.Job{}, crawljob.ErrDuplicateJob
	}
	if s.pendingFor(prev.BookmarkID) {
		return crawljob.Job{}, crawljob.ErrDuplicateJob
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
	s.put(next)
	return next, nil
}

// FindByBookmark returns the most recent job for a bookmark.
func (s *JobStore) FindByBookmark(_ context.Context, bookmarkID int64) (crawljob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest storedJob
		found  bool
	)
	for _, stored := range s.jobs {
		if stored.job.BookmarkID != bookmarkID {
			continue
		}
		if !found || newer(stored, latest) {
			latest = stored
			found = true
		}
	}
	if !found {
		return crawljob.Job{}, crawljob.ErrNotFound
	}
	return cloneJob(latest.job), nil
}

// HasPending reports whether the bookmark has a pending job.
func (s *JobStore) HasPending(_ context.Context, bookmarkID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingFor(bookmarkID), nil
}

// pendingFor must be called with s.mu held.
func (s *JobStore) pendingFor(bookmarkID int64) bool {
	for _, stored := range s.jobs {
		if stored.job.BookmarkID == bookmarkID && stored.job.Status == crawljob.JobStatusPending {
			return true
		}
	}
	return false
}

// ListByStatus returns jobs in the given status ordered by creation.
func (s *JobStore) ListByStatus(_ context.Context, status crawljob.JobStatus) ([]crawljob.Job, error) {
	return s.filter(func(job crawljob.Job) bool { return job.Status == status }), nil
}

// ListStalePending returns pending jobs created before olderThan.
func (s *JobStore) ListStalePending(_ context.Context, olderThan time.Time) ([]crawljob.Job, error) {
	return s.filter(func(job crawljob.Job) bool {
		return job.Status == crawljob.JobStatusPending && job.CreatedAt.Before(olderThan)
	}), nil
}

// ListExhausted returns failed jobs with no retries left.
func (s *JobStore) ListExhausted(_ context.Context) ([]crawljob.Job, error) {
	return s.filter(func(job crawljob.Job) bool {
		return job.Status == crawljob.JobStatusFailed && job.Exhausted()
	}), nil
}

// Stats counts jobs by status.
func (s *JobStore) Stats(_ context.Context) (crawljob.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats crawljob.JobStats
	for _, stored := range s.jobs {
		stats.Total++
		switch stored.job.Status {
		case crawljob.JobStatusPending:
			stats.Pending++
		case crawljob.JobStatusCompleted:
			stats.Completed++
		case crawljob.JobStatusFailed:
			stats.Failed++
		}
	}
	stats.ComputeSuccessRate()
	return stats, nil
}

func (s *JobStore) put(job crawljob.Job) {
	s.seq++
	s.jobs[job.ID] = storedJob{job: cloneJob(job), seq: s.seq}
}

func (s *JobStore) filter(keep func(crawljob.Job) bool) []crawljob.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]storedJob, 0)
	for _, stored := range s.jobs {
		if keep(stored.job) {
			matched = append(matched, stored)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].job.CreatedAt.Equal(matched[j].job.CreatedAt) {
			return matched[i].job.CreatedAt.Before(matched[j].job.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})
	out := make([]crawljob.Job, len(matched))
	for i, stored := range matched {
		out[i] = cloneJob(stored.job)
	}
	return out
}

func newer(a, b storedJob) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.After(b.job.CreatedAt)
	}
	if a.job.RetryCount != b.job.RetryCount {
		return a.job.RetryCount > b.job.RetryCount
	}
	return a.seq > b.seq
}

func cloneJob(job crawljob.Job) crawljob.Job {
	job.ErrorMessage = cloneString(job.ErrorMessage)
	if job.CompletedAt != nil {
		job.CompletedAt = pointerTime(*job.CompletedAt)
	}
	return job
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
