// Package raindrop lists bookmarks from the Raindrop.io REST API.
package raindrop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const (
	// DefaultBaseURL is the public Raindrop REST endpoint.
	DefaultBaseURL  = "https://api.raindrop.io/rest/v1"
	defaultPerPage  = 50
	defaultMaxPages = 200
	dateLayout      = "2006-01-02"
)

// Config configures the Raindrop client.
type Config struct {
	BaseURL        string
	Token          string
	PerPage        int
	MaxPages       int
	RequestTimeout time.Duration
}

// Client implements crawljob.BookmarkSource.
type Client struct {
	baseURL    string
	token      string
	perPage    int
	maxPages   int
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("source.token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	perPage := cfg.PerPage
	if perPage <= 0 || perPage > defaultPerPage {
		perPage = defaultPerPage
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		token:      cfg.Token,
		perPage:    perPage,
		maxPages:   maxPages,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pageResponse struct {
	Result bool      `json:"result"`
	Items  []rawItem `json:"items"`
}

type rawItem struct {
	ID      int64     `json:"_id"`
	Link    string    `json:"link"`
	Title   string    `json:"title"`
	Tags    []string  `json:"tags"`
	Created time.Time `json:"created"`
}

// List returns every bookmark created within window, following pages until a short page.
func (c *Client) List(ctx context.Context, window crawljob.DateRange) ([]crawljob.Bookmark, error) {
	search := searchQuery(window)
	var out []crawljob.Bookmark
	for page := 0; page < c.maxPages; page++ {
		items, err := c.page(ctx, search, page)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.Link == "" {
				continue
			}
			out = append(out, crawljob.Bookmark{
				ID:    it.ID,
				URL:   it.Link,
				Title: it.Title,
				Tags:  it.Tags,
				Added: it.Created.UTC(),
			})
		}
		if len(items) < c.perPage {
			return out, nil
		}
	}
	c.logger.Warn("bookmark listing truncated", zap.Int("max_pages", c.maxPages))
	return out, nil
}

func (c *Client) page(ctx context.Context, search string, page int) ([]rawItem, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("perpage", strconv.Itoa(c.perPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/raindrops/0?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list raindrops page %d: %w", page, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("list raindrops page %d: status %d: %s", page, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode raindrops page %d: %w", page, err)
	}
	c.logger.Debug("raindrops page fetched", zap.Int("page", page), zap.Int("items", len(decoded.Items)))
	return decoded.Items, nil
}

// searchQuery renders window as a Raindrop "created:" filter.
func searchQuery(window crawljob.DateRange) string {
	switch {
	case window.From.IsZero() && window.To.IsZero():
		return ""
	case window.To.IsZero():
		return "created:>" + window.From.Format(dateLayout)
	case window.From.IsZero():
		return "created:<" + window.To.Format(dateLayout)
	default:
		return "created:" + window.From.Format(dateLayout) + ".." + window.To.Format(dateLayout)
	}
}
