// Package crawlclient talks to the remote crawl service over its REST API.
package crawlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const (
	sourceTypeBlogs = "blogs"
	maxErrorBody    = 4 << 10
	defaultTimeout  = 30 * time.Second
	unknownError    = "unknown error"
	expiredReason   = "job expired on crawl service"
	noItemsReason   = "no items returned"
)

// markers in error bodies that mean the remote gave up on the job for good.
var permanentMarkers = []string{"Processing failed", "No data returned"}

// Config configures the crawl service client.
type Config struct {
	BaseURL        string
	APIKey         string
	CallbackURL    string
	RequestTimeout time.Duration
}

// Client implements crawljob.CrawlClient. It never retries; retry policy
// belongs to the orchestrator.
type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New constructs a Client. A nil httpClient gets one with cfg.RequestTimeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("crawl.base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse crawl.base_url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type submitRequest struct {
	SourceType    string        `json:"source_type"`
	SourcePayload sourcePayload `json:"source_payload"`
	CallbackURL   string        `json:"callback_url,omitempty"`
}

type sourcePayload struct {
	URLs []string `json:"urls"`
}

type submitResponse struct {
	JobUUID string `json:"job_uuid"`
}

type statusResponse struct {
	JobUUID string `json:"job_uuid"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

type itemsResponse struct {
	Items []item `json:"items"`
}

type item struct {
	Body itemBody `json:"body"`
}

type itemBody struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Content string `json:"content"`
}

// Submit asks the crawl service to crawl url and returns the remote job id.
func (c *Client) Submit(ctx context.Context, target string) (string, error) {
	payload, err := json.Marshal(submitRequest{
		SourceType:    sourceTypeBlogs,
		SourcePayload: sourcePayload{URLs: []string{target}},
		CallbackURL:   c.callbackURL,
	})
	if err != nil {
		return "", &crawljob.SubmissionError{URL: target, Err: fmt.Errorf("encode request: %w", err)}
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/crawl_jobs", payload)
	if err != nil {
		return "", &crawljob.SubmissionError{URL: target, Err: err}
	}
	defer closeBody(resp)

	if !success(resp.StatusCode) {
		return "", &crawljob.SubmissionError{
			URL:    target,
			Status: resp.StatusCode,
			Err:    errors.New(readSnippet(resp.Body)),
		}
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &crawljob.SubmissionError{URL: target, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.JobUUID == "" {
		return "", &crawljob.SubmissionError{URL: target, Status: resp.StatusCode, Err: errors.New("response missing job_uuid")}
	}
	return out.JobUUID, nil
}

// Poll returns the remote status of a job, fetching its first item on completion.
func (c *Client) Poll(ctx context.Context, jobID string) (crawljob.PollResult, error) {
	var status statusResponse
	if err := c.getJSON(ctx, jobID, "/api/v1/crawl_jobs/"+url.PathEscape(jobID), &status); err != nil {
		return crawljob.PollResult{}, err
	}

	switch strings.ToLower(status.Status) {
	case "success", "completed":
		return c.fetchResult(ctx, jobID)
	case "failed":
		msg := status.Error
		if msg == "" {
			msg = unknownError
		}
		return crawljob.PollResult{Status: crawljob.JobStatusFailed, Error: msg}, nil
	default:
		if status.Status != "" && !knownPending(status.Status) {
			c.logger.Debug("unrecognised crawl status treated as pending",
				zap.String("job_id", jobID),
				zap.String("status", status.Status),
			)
		}
		return crawljob.PollResult{Status: crawljob.JobStatusPending}, nil
	}
}

func (c *Client) fetchResult(ctx context.Context, jobID string) (crawljob.PollResult, error) {
	var items itemsResponse
	if err := c.getJSON(ctx, jobID, "/api/v1/crawl_jobs/"+url.PathEscape(jobID)+"/items", &items); err != nil {
		return crawljob.PollResult{}, err
	}
	if len(items.Items) == 0 {
		return crawljob.PollResult{}, &crawljob.PermanentPollError{JobID: jobID, Reason: noItemsReason}
	}
	body := items.Items[0].Body
	text := body.Text
	if text == "" {
		text = body.Content
	}
	return crawljob.PollResult{
		Status: crawljob.JobStatusCompleted,
		Title:  body.Title,
		Body:   text,
	}, nil
}

// Cancel asks the crawl service to stop a job. It reports whether the remote accepted.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/crawl_jobs/"+url.PathEscape(jobID)+"/cancel", []byte("{}"))
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	defer closeBody(resp)
	if !success(resp.StatusCode) {
		return false, fmt.Errorf("cancel %s: status %d: %s", jobID, resp.StatusCode, readSnippet(resp.Body))
	}
	return true, nil
}

func (c *Client) getJSON(ctx context.Context, jobID, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return &crawljob.TransientPollError{JobID: jobID, Err: err}
	}
	defer closeBody(resp)
	if !success(resp.StatusCode) {
		return classify(jobID, resp.StatusCode, readSnippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &crawljob.TransientPollError{JobID: jobID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// classify maps a non-2xx poll response onto the error taxonomy.
func classify(jobID string, status int, body string) error {
	for _, marker := range permanentMarkers {
		if strings.Contains(body, marker) {
			return &crawljob.PermanentPollError{JobID: jobID, Reason: marker}
		}
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return &crawljob.PermanentPollError{JobID: jobID, Reason: expiredReason}
	case status >= 500,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		return &crawljob.TransientPollError{JobID: jobID, Err: fmt.Errorf("status %d: %s", status, body)}
	default:
		return &crawljob.PermanentPollError{JobID: jobID, Reason: fmt.Sprintf("status %d: %s", status, body)}
	}
}

func knownPending(status string) bool {
	switch strings.ToLower(status) {
	case "pending", "queued", "running", "processing":
		return true
	default:
		return false
	}
}

func success(code int) bool {
	return code >= 200 && code < 300
}

func readSnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return err.Error()
	}
	return strings.TrimSpace(string(data))
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
