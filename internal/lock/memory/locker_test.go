package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New()

	release, ok, err := l.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.TryLock(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	_, ok, err = l.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok)
}
