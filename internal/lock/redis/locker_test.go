package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker, err := New(client, Config{TTL: ttl})
	require.NoError(t, err)
	return locker, mr
}

func TestLockerExclusiveUntilRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker, mr := newTestLocker(t, time.Minute)

	release, ok, err := locker.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("contentfetch:lock:cycle"))

	_, ok, err = locker.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists("contentfetch:lock:cycle"))

	_, ok, err = locker.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockerExpiredReleaseDoesNotStealNewHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker, mr := newTestLocker(t, time.Second)

	release, ok, err := locker.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be re-acquired")

	require.Error(t, release(ctx))
	require.True(t, mr.Exists("contentfetch:lock:cycle"), "stale release must not delete the new holder's key")
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{})
	require.Error(t, err)
}
