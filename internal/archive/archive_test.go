package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/hash/sha256"
	"github.com/rainpipe/contentfetch/internal/storage/memory"
)

func TestStoreWritesContentAddressedSnapshot(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	arc, err := New(blobs, sha256.New(), "")
	require.NoError(t, err)

	snap := Snapshot{
		BookmarkID:  42,
		URL:         "https://example.com",
		JobID:       "job-1",
		Title:       "Hello",
		Body:        "hello world",
		WordCount:   11,
		ExtractedAt: time.Unix(1700000000, 0).UTC(),
	}
	uri, err := arc.Store(context.Background(), snap)
	require.NoError(t, err)
	path := "contents/42/b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9.json"
	require.Equal(t, "memory://"+path, uri)

	raw, ok := blobs.Object(path)
	require.True(t, ok)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, snap, decoded)

	again, err := arc.Store(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, uri, again)
	require.Equal(t, 1, blobs.Len())
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(nil, sha256.New(), "x")
	require.Error(t, err)
}
