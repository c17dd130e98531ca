package postgres

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const contentColumns = `bookmark_id, url, title, content, word_count, extracted_at, ` +
	`fetch_attempted, fetch_failed, last_fetch_attempt, created_at, updated_at`

// ContentStore implements crawljob.ContentStore on Postgres.
type ContentStore struct {
	pool  Pool
	clock crawljob.Clock
}

// NewContentStore constructs a ContentStore from an existing pool.
func NewContentStore(pool Pool, clock crawljob.Clock) (*ContentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{pool: pool, clock: clockOrWall(clock)}, nil
}

// Get returns the content record of a bookmark.
func (s *ContentStore) Get(ctx context.Context, bookmarkID int64) (crawljob.Content, error) {
	content, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM bookmark_contents WHERE bookmark_id = $1`, bookmarkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawljob.Content{}, crawljob.ErrNotFound
		}
		return crawljob.Content{}, crawljob.Unavailable("get content", err)
	}
	return content, nil
}

// HasContent reports whether content was committed for the bookmark.
func (s *ContentStore) HasContent(ctx context.Context, bookmarkID int64) (bool, error) {
	return s.exists(ctx, "check content",
		`SELECT EXISTS (SELECT 1 FROM bookmark_contents WHERE bookmark_id = $1 AND content IS NOT NULL)`, bookmarkID)
}

// IsPermanentlyFailed reports whether the bookmark was flagged unfetchable.
func (s *ContentStore) IsPermanentlyFailed(ctx context.Context, bookmarkID int64) (bool, error) {
	return s.exists(ctx, "check fetch_failed",
		`SELECT EXISTS (SELECT 1 FROM bookmark_contents WHERE bookmark_id = $1 AND fetch_failed)`, bookmarkID)
}

// MarkAttempted records a fetch attempt, creating the record if needed.
func (s *ContentStore) MarkAttempted(ctx context.Context, bookmarkID int64, url string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO bookmark_contents (bookmark_id, url, fetch_attempted, last_fetch_attempt, created_at, updated_at)
VALUES ($1, $2, TRUE, $3, $3, $3)
ON CONFLICT (bookmark_id) DO UPDATE
SET fetch_attempted = TRUE, last_fetch_attempt = EXCLUDED.last_fetch_attempt, updated_at = EXCLUDED.updated_at`,
		bookmarkID, url, now,
	)
	if err != nil {
		return crawljob.Unavailable("mark attempted", err)
	}
	return nil
}

// CommitContent stores extracted content unless the record is already terminal.
func (s *ContentStore) CommitContent(
	ctx context.Context,
	bookmarkID int64,
	url, title, body string,
) (bool, error) {
	now := s.clock.Now()
	var titleArg *string
	if title != "" {
		titleArg = &title
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO bookmark_contents (bookmark_id, url, title, content, word_count, extracted_at,
	fetch_attempted, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, TRUE, $6, $6)
ON CONFLICT (bookmark_id) DO UPDATE
SET title = EXCLUDED.title,
	content = EXCLUDED.content,
	word_count = EXCLUDED.word_count,
	extracted_at = EXCLUDED.extracted_at,
	fetch_attempted = TRUE,
	updated_at = EXCLUDED.updated_at
WHERE bookmark_contents.content IS NULL AND NOT bookmark_contents.fetch_failed`,
		bookmarkID, url, titleArg, body, utf8.RuneCountInString(body), now,
	)
	if err != nil {
		return false, crawljob.Unavailable("commit content", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPermanentlyFailed flags the bookmark unfetchable unless already terminal.
func (s *ContentStore) MarkPermanentlyFailed(ctx context.Context, bookmarkID int64, url string) (bool, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO bookmark_contents (bookmark_id, url, fetch_attempted, fetch_failed, last_fetch_attempt,
	created_at, updated_at)
VALUES ($1, $2, TRUE, TRUE, $3, $3, $3)
ON CONFLICT (bookmark_id) DO UPDATE
SET fetch_attempted = TRUE,
	fetch_failed = TRUE,
	last_fetch_attempt = EXCLUDED.last_fetch_attempt,
	updated_at = EXCLUDED.updated_at
WHERE bookmark_contents.content IS NULL AND NOT bookmark_contents.fetch_failed`,
		bookmarkID, url, now,
	)
	if err != nil {
		return false, crawljob.Unavailable("mark permanently failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListCommitted returns records with content, most recently extracted first.
func (s *ContentStore) ListCommitted(ctx context.Context, limit int) ([]crawljob.Content, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+contentColumns+` FROM bookmark_contents
WHERE content IS NOT NULL
ORDER BY extracted_at DESC, bookmark_id ASC
LIMIT $1`, limitArg)
	if err != nil {
		return nil, crawljob.Unavailable("list content", err)
	}
	defer rows.Close()
	out := make([]crawljob.Content, 0)
	for rows.Next() {
		content, err := scanContent(rows)
		if err != nil {
			return nil, crawljob.Unavailable("list content", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, crawljob.Unavailable("list content", err)
	}
	return out, nil
}

// Stats counts content records.
func (s *ContentStore) Stats(ctx context.Context) (crawljob.ContentStats, error) {
	var stats crawljob.ContentStats
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE content IS NOT NULL),
	COUNT(*) FILTER (WHERE fetch_failed)
FROM bookmark_contents`).Scan(&stats.Total, &stats.WithContent, &stats.PermanentlyFailed)
	if err != nil {
		return crawljob.ContentStats{}, crawljob.Unavailable("content stats", err)
	}
	stats.WithoutContent = stats.Total - stats.WithContent
	return stats, nil
}

func (s *ContentStore) exists(ctx context.Context, op, query string, bookmarkID int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, query, bookmarkID).Scan(&exists); err != nil {
		return false, crawljob.Unavailable(op, err)
	}
	return exists, nil
}

func scanContent(row pgx.Row) (crawljob.Content, error) {
	var content crawljob.Content
	if err := row.Scan(
		&content.BookmarkID, &content.URL, &content.Title, &content.Body, &content.WordCount,
		&content.ExtractedAt, &content.FetchAttempted, &content.FetchFailed, &content.LastFetchAttempt,
		&content.CreatedAt, &content.UpdatedAt,
	); err != nil {
		return crawljob.Content{}, err
	}
	return content, nil
}
