// Package ratelimit throttles outbound crawl submissions with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rainpipe/contentfetch/internal/metrics"
)

const globalKey = "*"

// Limiter spaces submissions either globally or per target host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	perHost  bool
}

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between submissions. Zero disables throttling.
	Interval time.Duration
	Burst    int
	// PerHost keeps one bucket per target host instead of one shared bucket.
	PerHost bool
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		perHost:  cfg.PerHost,
	}
}

// Wait blocks until a submission to target is allowed, respecting the context.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	limiter := l.bucket(l.key(target))

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottle(waited)
	}
	return nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *Limiter) key(target string) string {
	if !l.perHost {
		return globalKey
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
