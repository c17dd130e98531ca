package crawljob

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateJob signals that a job with the same id already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrRetryCeiling signals that a job has no retries left.
	ErrRetryCeiling = errors.New("retry ceiling reached")
	// ErrStoreUnavailable wraps persistence failures that abort a batch cycle.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCycleLocked signals that another coordinator holds the cycle lock.
	ErrCycleLocked = errors.New("batch cycle already running")
)

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// SubmissionError reports that the crawl service did not accept a job.
type SubmissionError struct {
	URL    string
	Status int
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("submit %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("submit %s: %v", e.URL, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientPollError reports a poll failure that should be retried next cycle.
type TransientPollError struct {
	JobID string
	Err   error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll %s: transient: %v", e.JobID, e.Err)
}

func (e *TransientPollError) Unwrap() error { return e.Err }

// PermanentPollError reports a poll failure that fails the job immediately.
type PermanentPollError struct {
	JobID  string
	Reason string
}

func (e *PermanentPollError) Error() string {
	return fmt.Sprintf("poll %s: %s", e.JobID, e.Reason)
}

// IsTransient reports whether err is a TransientPollError.
func IsTransient(err error) bool {
	var target *TransientPollError
	return errors.As(err, &target)
}

// IsPermanent reports whether err is a PermanentPollError.
func IsPermanent(err error) bool {
	var target *PermanentPollError
	return errors.As(err, &target)
}
