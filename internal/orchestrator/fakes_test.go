package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/clock"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/storage/memory"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type pollScript struct {
	res crawljob.PollResult
	err error
}

// fakeCrawl is a scripted crawl service.
type fakeCrawl struct {
	mu        sync.Mutex
	next      int
	submitErr error
	submitted []string
	polls     map[string]pollScript
	cancelErr error
	cancelled []string
	pollCalls int
}

func newFakeCrawl() *fakeCrawl {
	return &fakeCrawl{polls: make(map[string]pollScript)}
}

func (f *fakeCrawl) Submit(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", &crawljob.SubmissionError{URL: url, Status: 503, Err: f.submitErr}
	}
	f.next++
	id := fmt.Sprintf("remote-job-%04d", f.next)
	f.submitted = append(f.submitted, url)
	return id, nil
}

func (f *fakeCrawl) Poll(_ context.Context, jobID string) (crawljob.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	script, ok := f.polls[jobID]
	if !ok {
		return crawljob.PollResult{Status: crawljob.JobStatusPending}, nil
	}
	return script.res, script.err
}

func (f *fakeCrawl) Cancel(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	return true, nil
}

func (f *fakeCrawl) script(jobID string, res crawljob.PollResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[jobID] = pollScript{res: res, err: err}
}

func (f *fakeCrawl) failSubmissions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeCrawl) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeCrawl) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// downJobStore fails the selected operation with a store outage.
type downJobStore struct {
	*memory.JobStore
	failUpdate bool
}

func (s *downJobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	status crawljob.JobStatus,
	errMsg *string,
) error {
	if s.failUpdate {
		return crawljob.Unavailable("update job status", errors.New("connection refused"))
	}
	return s.JobStore.UpdateStatus(ctx, jobID, status, errMsg)
}

type harness struct {
	orch     *Orchestrator
	jobs     *memory.JobStore
	contents *memory.ContentStore
	crawl    *fakeCrawl
	clock    *clock.Manual
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewManual(testStart)
	h := &harness{
		jobs:     memory.NewJobStore(clk),
		contents: memory.NewContentStore(clk),
		crawl:    newFakeCrawl(),
		clock:    clk,
	}
	base := []Option{WithClock(clk), WithLogger(zap.NewNop())}
	orch, err := New(h.jobs, h.contents, h.crawl, append(base, opts...)...)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) submit(t *testing.T, bookmarkID int64) crawljob.Job {
	t.Helper()
	job, err := h.orch.FetchContent(context.Background(), bookmarkID, fmt.Sprintf("https://example.com/%d", bookmarkID))
	require.NoError(t, err)
	require.NotNil(t, job)
	return *job
}

func (h *harness) latest(t *testing.T, bookmarkID int64) crawljob.Job {
	t.Helper()
	job, err := h.jobs.FindByBookmark(context.Background(), bookmarkID)
	require.NoError(t, err)
	return job
}

func completed(title, body string) crawljob.PollResult {
	return crawljob.PollResult{Status: crawljob.JobStatusCompleted, Title: title, Body: body}
}

func failed(reason string) crawljob.PollResult {
	return crawljob.PollResult{Status: crawljob.JobStatusFailed, Error: reason}
}

// staleJobStore never sees existing jobs when deduplicating, like a reader
// racing another coordinator's insert.
type staleJobStore struct {
	*memory.JobStore
}

func (staleJobStore) FindByBookmark(context.Context, int64) (crawljob.Job, error) {
	return crawljob.Job{}, crawljob.ErrNotFound
}

// sleepThrottle delays every submission.
type sleepThrottle time.Duration

func (d sleepThrottle) Wait(ctx context.Context, _ string) error {
	select {
	case <-time.After(time.Duration(d)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
