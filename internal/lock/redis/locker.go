// Package redis implements the cycle lock as a Redis key with a TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Minute

// releaseScript deletes the key only while it still holds our token.
var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker takes SET NX PX on "<prefix><name>" with a random token.
type Locker struct {
	client r.UniversalClient
	prefix string
	ttl    time.Duration
}

// Config configures the Redis locker.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// New returns a Locker backed by client.
func New(client r.UniversalClient, cfg Config) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "contentfetch:lock:"
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}, nil
}

// TryLock acquires name without blocking. The key expires after the TTL so a
// crashed holder cannot wedge the cycle forever.
func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			var n int64
			n, err = releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
			if err == nil && n == 0 {
				err = fmt.Errorf("redis lock %s expired before release", key)
			}
		})
		return err
	}
	return release, true, nil
}
