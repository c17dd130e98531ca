// Package archive writes a JSON snapshot of committed content to a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

const contentType = "application/json"

// Snapshot is the archived form of a committed bookmark.
type Snapshot struct {
	BookmarkID  int64     `json:"bookmark_id"`
	URL         string    `json:"url"`
	JobID       string    `json:"job_id"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"content"`
	WordCount   int       `json:"word_count"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Archive names each snapshot by the digest of its body, so identical
// content for a bookmark lands on the same object.
type Archive struct {
	blobs  crawljob.BlobStore
	hasher crawljob.Hasher
	prefix string
}

// New returns an Archive writing below prefix.
func New(blobs crawljob.BlobStore, hasher crawljob.Hasher, prefix string) (*Archive, error) {
	if blobs == nil || hasher == nil {
		return nil, errors.New("archive requires a blob store and a hasher")
	}
	if prefix == "" {
		prefix = "contents"
	}
	return &Archive{blobs: blobs, hasher: hasher, prefix: prefix}, nil
}

// Store writes snap and returns the object URI.
func (a *Archive) Store(ctx context.Context, snap Snapshot) (string, error) {
	digest, err := a.hasher.Hash([]byte(snap.Body))
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := fmt.Sprintf("%s/%d/%s.json", a.prefix, snap.BookmarkID, digest)
	uri, err := a.blobs.PutObject(ctx, path, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, nil
}
