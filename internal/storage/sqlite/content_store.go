package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"unicode/utf8"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const contentColumns = `bookmark_id, url, title, content, word_count, extracted_at,
	fetch_attempted, fetch_failed, last_fetch_attempt, created_at, updated_at`

// ContentStore implements crawljob.ContentStore on SQLite.
type ContentStore struct {
	db *DB
}

// NewContentStore returns a content store backed by db.
func NewContentStore(db *DB) *ContentStore {
	return &ContentStore{db: db}
}

// Get returns the content record of a bookmark.
func (s *ContentStore) Get(ctx context.Context, bookmarkID int64) (crawljob.Content, error) {
	content, err := scanContent(s.db.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM bookmark_contents WHERE bookmark_id = ?`, bookmarkID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawljob.Content{}, crawljob.ErrNotFound
		}
		return crawljob.Content{}, crawljob.Unavailable("get content", err)
	}
	return content, nil
}

// HasContent reports whether content was committed for the bookmark.
func (s *ContentStore) HasContent(ctx context.Context, bookmarkID int64) (bool, error) {
	return s.exists(ctx, "check content", `content IS NOT NULL`, bookmarkID)
}

// IsPermanentlyFailed reports whether the bookmark was flagged unfetchable.
func (s *ContentStore) IsPermanentlyFailed(ctx context.Context, bookmarkID int64) (bool, error) {
	return s.exists(ctx, "check fetch_failed", `fetch_failed = 1`, bookmarkID)
}

// MarkAttempted records a fetch attempt, creating the record if needed.
func (s *ContentStore) MarkAttempted(ctx context.Context, bookmarkID int64, url string) error {
	now := s.db.now()
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO bookmark_contents (bookmark_id, url, fetch_attempted, last_fetch_attempt, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (bookmark_id) DO UPDATE
		SET fetch_attempted = 1, last_fetch_attempt = excluded.last_fetch_attempt, updated_at = excluded.updated_at`,
		bookmarkID, url, now, now, now,
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
	now := s.db.now()
	var titleArg *string
	if title != "" {
		titleArg = &title
	}
	res, err := s.db.db.ExecContext(ctx, `
		INSERT INTO bookmark_contents (bookmark_id, url, title, content, word_count, extracted_at,
			fetch_attempted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (bookmark_id) DO UPDATE
		SET title = excluded.title,
			content = excluded.content,
			word_count = excluded.word_count,
			extracted_at = excluded.extracted_at,
			fetch_attempted = 1,
			updated_at = excluded.updated_at
		WHERE bookmark_contents.content IS NULL AND bookmark_contents.fetch_failed = 0`,
		bookmarkID, url, titleArg, body, utf8.RuneCountInString(body), now, now, now,
	)
	if err != nil {
		return false, crawljob.Unavailable("commit content", err)
	}
	return changed(res, "commit content")
}

// MarkPermanentlyFailed flags the bookmark unfetchable unless already terminal.
func (s *ContentStore) MarkPermanentlyFailed(ctx context.Context, bookmarkID int64, url string) (bool, error) {
	now := s.db.now()
	res, err := s.db.db.ExecContext(ctx, `
		INSERT INTO bookmark_contents (bookmark_id, url, fetch_attempted, fetch_failed, last_fetch_attempt,
			created_at, updated_at)
		VALUES (?, ?, 1, 1, ?, ?, ?)
		ON CONFLICT (bookmark_id) DO UPDATE
		SET fetch_attempted = 1,
			fetch_failed = 1,
			last_fetch_attempt = excluded.last_fetch_attempt,
			updated_at = excluded.updated_at
		WHERE bookmark_contents.content IS NULL AND bookmark_contents.fetch_failed = 0`,
		bookmarkID, url, now, now, now,
	)
	if err != nil {
		return false, crawljob.Unavailable("mark permanently failed", err)
	}
	return changed(res, "mark permanently failed")
}

// ListCommitted returns records with content, most recently extracted first.
func (s *ContentStore) ListCommitted(ctx context.Context, limit int) ([]crawljob.Content, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+contentColumns+` FROM bookmark_contents
		WHERE content IS NOT NULL
		ORDER BY extracted_at DESC, bookmark_id ASC
		LIMIT ?`, limit)
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
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN content IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN fetch_failed = 1 THEN 1 ELSE 0 END), 0)
		FROM bookmark_contents`,
	).Scan(&stats.Total, &stats.WithContent, &stats.PermanentlyFailed)
	if err != nil {
		return crawljob.ContentStats{}, crawljob.Unavailable("content stats", err)
	}
	stats.WithoutContent = stats.Total - stats.WithContent
	return stats, nil
}

func (s *ContentStore) exists(ctx context.Context, op, cond string, bookmarkID int64) (bool, error) {
	var exists bool
	err := s.db.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bookmark_contents WHERE bookmark_id = ? AND `+cond+`)`, bookmarkID,
	).Scan(&exists)
	if err != nil {
		return false, crawljob.Unavailable(op, err)
	}
	return exists, nil
}

func scanContent(row rowScanner) (crawljob.Content, error) {
	var (
		content     crawljob.Content
		title, body sql.NullString
		extractedAt sql.NullTime
		lastAttempt sql.NullTime
	)
	if err := row.Scan(
		&content.BookmarkID, &content.URL, &title, &body, &content.WordCount, &extractedAt,
		&content.FetchAttempted, &content.FetchFailed, &lastAttempt, &content.CreatedAt, &content.UpdatedAt,
	); err != nil {
		return crawljob.Content{}, err
	}
	content.Title = nullString(title)
	content.Body = nullString(body)
	content.ExtractedAt = nullTime(extractedAt)
	content.LastFetchAttempt = nullTime(lastAttempt)
	content.CreatedAt = content.CreatedAt.UTC()
	content.UpdatedAt = content.UpdatedAt.UTC()
	return content, nil
}

func changed(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, crawljob.Unavailable(op, err)
	}
	return n > 0, nil
}
