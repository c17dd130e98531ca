package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/crawljob"
)

func TestContentStoreCommitIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewContentStore(clock)

	require.NoError(t, store.MarkAttempted(ctx, 1, "https://example.com"))
	has, err := store.HasContent(ctx, 1)
	require.NoError(t, err)
	require.False(t, has)

	changed, err := store.CommitContent(ctx, 1, "https://example.com", "Title", "héllo world")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.CommitContent(ctx, 1, "https://example.com", "Other", "other")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.MarkPermanentlyFailed(ctx, 1, "https://example.com")
	require.NoError(t, err)
	require.False(t, changed)

	content, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "héllo world", *content.Body)
	require.Equal(t, "Title", *content.Title)
	require.Equal(t, 11, content.WordCount)
	require.False(t, content.FetchFailed)
	require.True(t, content.FetchAttempted)
}

func TestContentStorePermanentFailureBlocksCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewContentStore(newFakeClock())

	changed, err := store.MarkPermanentlyFailed(ctx, 2, "https://example.com/b")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.CommitContent(ctx, 2, "https://example.com/b", "", "late body")
	require.NoError(t, err)
	require.False(t, changed)

	failed, err := store.IsPermanentlyFailed(ctx, 2)
	require.NoError(t, err)
	require.True(t, failed)

	content, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, content.Body)
}

func TestContentStoreEmptyTitleStoredAsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewContentStore(nil)

	_, err := store.CommitContent(ctx, 3, "https://example.com/c", "", "")
	require.NoError(t, err)
	content, err := store.Get(ctx, 3)
	require.NoError(t, err)
	require.Nil(t, content.Title)
	require.NotNil(t, content.Body)

	_, err = store.Get(ctx, 404)
	require.ErrorIs(t, err, crawljob.ErrNotFound)
}

func TestContentStoreListAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewContentStore(clock)

	_, err := store.CommitContent(ctx, 1, "u1", "", "one")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.CommitContent(ctx, 2, "u2", "", "two")
	require.NoError(t, err)
	_, err = store.MarkPermanentlyFailed(ctx, 3, "u3")
	require.NoError(t, err)
	require.NoError(t, store.MarkAttempted(ctx, 4, "u4"))

	committed, err := store.ListCommitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	require.Equal(t, int64(2), committed[0].BookmarkID)

	limited, err := store.ListCommitted(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawljob.ContentStats{
		Total:             4,
		WithContent:       2,
		WithoutContent:    2,
		PermanentlyFailed: 1,
	}, stats)
}
