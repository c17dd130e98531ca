package crawljob

import (
	"strconv"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether s is one of the persisted statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no poll will ever change a job in this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one crawl request submitted to the crawl service for a bookmark.
// Rows are never deleted; a retry creates a new row for the same bookmark.
type Job struct {
	ID           string     `json:"job_id"`
	BookmarkID   int64      `json:"bookmark_id"`
	URL          string     `json:"url"`
	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Exhausted reports whether the job has used all of its retries.
func (j Job) Exhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// Retryable reports whether a failed job may be resubmitted.
func (j Job) Retryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// ShortID returns the display form of the job id used in logs.
func (j Job) ShortID() string {
	if len(j.ID) <= 8 {
		return j.ID
	}
	return j.ID[:8]
}

// Content is the fetched content record of a bookmark. Body and FetchFailed are
// mutually exclusive terminal states.
type Content struct {
	BookmarkID       int64      `json:"bookmark_id"`
	URL              string     `json:"url"`
	Title            *string    `json:"title,omitempty"`
	Body             *string    `json:"content,omitempty"`
	WordCount        int        `json:"word_count"`
	ExtractedAt      *time.Time `json:"extracted_at,omitempty"`
	FetchAttempted   bool       `json:"fetch_attempted"`
	FetchFailed      bool       `json:"fetch_failed"`
	LastFetchAttempt *time.Time `json:"last_fetch_attempt,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasBody reports whether content has been committed.
func (c Content) HasBody() bool {
	return c.Body != nil
}

// Terminal reports whether the record reached either terminal state.
func (c Content) Terminal() bool {
	return c.Body != nil || c.FetchFailed
}

// JobStats aggregates job counts by status.
type JobStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// ComputeSuccessRate fills SuccessRate as completed/(completed+failed).
func (s *JobStats) ComputeSuccessRate() {
	finished := s.Completed + s.Failed
	if finished == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.Completed) / float64(finished)
}

// ContentStats aggregates content records by presence and failure.
type ContentStats struct {
	Total             int `json:"total"`
	WithContent       int `json:"with_content"`
	WithoutContent    int `json:"without_content"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// PollResult is the crawl service's view of a job.
type PollResult struct {
	Status JobStatus
	Title  string
	Body   string
	Error  string
}

// Bookmark is the subset of a source bookmark the fetcher consumes.
type Bookmark struct {
	ID    int64     `json:"bookmark_id"`
	URL   string    `json:"url"`
	Title string    `json:"title"`
	Tags  []string  `json:"tags,omitempty"`
	Added time.Time `json:"created_at"`
}

// DateRange bounds a bookmark listing. Zero values are open ends.
type DateRange struct {
	From time.Time
	To   time.Time
}

// CommittedEvent announces that content was committed for a bookmark.
type CommittedEvent struct {
	BookmarkID  int64     `json:"bookmark_id"`
	URL         string    `json:"url"`
	JobID       string    `json:"job_id"`
	Title       string    `json:"title,omitempty"`
	WordCount   int       `json:"word_count"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// Attributes returns message attributes for brokers that support them.
func (e CommittedEvent) Attributes() map[string]string {
	return map[string]string{
		"event":       "content.committed",
		"bookmark_id": strconv.FormatInt(e.BookmarkID, 10),
		"job_id":      e.JobID,
	}
}
