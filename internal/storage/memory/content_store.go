package memory

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

// ContentStore keeps bookmark content records in memory.
type ContentStore struct {
	mu       sync.RWMutex
	clock    crawljob.Clock
	contents map[int64]crawljob.Content
}

// NewContentStore constructs a ContentStore. A nil clock uses the wall clock.
func NewContentStore(clock crawljob.Clock) *ContentStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &ContentStore{
		clock:    clock,
		contents: make(map[int64]crawljob.Content),
	}
}

// Get returns the content record of a bookmark.
func (s *ContentStore) Get(_ context.Context, bookmarkID int64) (crawljob.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.contents[bookmarkID]
	if !ok {
		return crawljob.Content{}, crawljob.ErrNotFound
	}
	return cloneContent(content), nil
}

// HasContent reports whether content was committed for the bookmark.
func (s *ContentStore) HasContent(_ context.Context, bookmarkID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.contents[bookmarkID]
	return ok && content.HasBody(), nil
}

// IsPermanentlyFailed reports whether the bookmark was flagged unfetchable.
func (s *ContentStore) IsPermanentlyFailed(_ context.Context, bookmarkID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.contents[bookmarkID]
	return ok && content.FetchFailed, nil
}

// MarkAttempted records a fetch attempt, creating the record if needed.
func (s *ContentStore) MarkAttempted(_ context.Context, bookmarkID int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	content := s.getOrInit(bookmarkID, url)
	content.FetchAttempted = true
	content.LastFetchAttempt = pointerTime(now)
	content.UpdatedAt = now
	s.contents[bookmarkID] = content
	return nil
}

// CommitContent stores extracted content unless the record is already terminal.
func (s *ContentStore) CommitContent(
	_ context.Context,
	bookmarkID int64,
	url, title, body string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content := s.getOrInit(bookmarkID, url)
	if content.Terminal() {
		return false, nil
	}
	now := s.clock.Now()
	if title != "" {
		content.Title = &title
	}
	content.Body = &body
	content.WordCount = utf8.RuneCountInString(body)
	content.ExtractedAt = pointerTime(now)
	content.FetchAttempted = true
	content.UpdatedAt = now
	s.contents[bookmarkID] = content
	return true, nil
}

// MarkPermanentlyFailed flags the bookmark unfetchable unless already terminal.
func (s *ContentStore) MarkPermanentlyFailed(_ context.Context, bookmarkID int64, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content := s.getOrInit(bookmarkID, url)
	if content.Terminal() {
		return false, nil
	}
	now := s.clock.Now()
	content.FetchAttempted = true
	content.FetchFailed = true
	content.LastFetchAttempt = pointerTime(now)
	content.UpdatedAt = now
	s.contents[bookmarkID] = content
	return true, nil
}

// ListCommitted returns records with content, most recently extracted first.
func (s *ContentStore) ListCommitted(_ context.Context, limit int) ([]crawljob.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawljob.Content, 0)
	for _, content := range s.contents {
		if content.HasBody() {
			out = append(out, cloneContent(content))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExtractedAt.Equal(*out[j].ExtractedAt) {
			return out[i].ExtractedAt.After(*out[j].ExtractedAt)
		}
		return out[i].BookmarkID < out[j].BookmarkID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats counts content records.
func (s *ContentStore) Stats(_ context.Context) (crawljob.ContentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats crawljob.ContentStats
	for _, content := range s.contents {
		stats.Total++
		if content.HasBody() {
			stats.WithContent++
		}
		if content.FetchFailed {
			stats.PermanentlyFailed++
		}
	}
	stats.WithoutContent = stats.Total - stats.WithContent
	return stats, nil
}

func (s *ContentStore) getOrInit(bookmarkID int64, url string) crawljob.Content {
	content, ok := s.contents[bookmarkID]
	if ok {
		return content
	}
	now := s.clock.Now()
	return crawljob.Content{
		BookmarkID: bookmarkID,
		URL:        url,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func cloneContent(content crawljob.Content) crawljob.Content {
	content.Title = cloneString(content.Title)
	content.Body = cloneString(content.Body)
	if content.ExtractedAt != nil {
		content.ExtractedAt = pointerTime(*content.ExtractedAt)
	}
	if content.LastFetchAttempt != nil {
		content.LastFetchAttempt = pointerTime(*content.LastFetchAttempt)
	}
	return content
}
