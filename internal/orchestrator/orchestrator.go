// Package orchestrator drives crawl jobs through their lifecycle: submission,
// polling, retry, timeout and permanent-failure handling, plus the batch cycle
// that runs those phases under an advisory lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/archive"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
)

// Failure reasons written to error_message by the orchestrator itself.
const (
	ReasonTimeout         = "timeout"
	ReasonManualCancel    = "manually cancelled"
	ReasonStuckCleanup    = "cleaned up stuck pending job"
	ReasonBookmarkFailed  = "bookmark permanently failed"
	DefaultLockName       = "content-fetch-cycle"
	DefaultCommittedTopic = "content-committed"
)

// Config tunes the orchestrator.
type Config struct {
	MaxRetries       int
	JobTimeout       time.Duration
	PollConcurrency  int
	AlertSuccessRate float64
	AlertMinSample   int
	LockName         string
	CommittedTopic   string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		JobTimeout:       24 * time.Hour,
		PollConcurrency:  4,
		AlertSuccessRate: 0.5,
		AlertMinSample:   10,
		LockName:         DefaultLockName,
		CommittedTopic:   DefaultCommittedTopic,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = def.PollConcurrency
	}
	if c.AlertSuccessRate <= 0 {
		c.AlertSuccessRate = def.AlertSuccessRate
	}
	if c.AlertMinSample <= 0 {
		c.AlertMinSample = def.AlertMinSample
	}
	if c.LockName == "" {
		c.LockName = def.LockName
	}
	if c.CommittedTopic == "" {
		c.CommittedTopic = def.CommittedTopic
	}
	return c
}

// Throttle spaces outbound submissions.
type Throttle interface {
	Wait(ctx context.Context, target string) error
}

// Archiver persists a snapshot of committed content.
type Archiver interface {
	Store(ctx context.Context, snap archive.Snapshot) (string, error)
}

// Orchestrator owns every job state transition.
type Orchestrator struct {
	jobs      crawljob.JobStore
	contents  crawljob.ContentStore
	client    crawljob.CrawlClient
	clock     crawljob.Clock
	ids       crawljob.IDGenerator
	locker    crawljob.Locker
	publisher crawljob.Notifier
	archiver  Archiver
	throttle  Throttle
	logger    *zap.Logger
	cfg       Config
	bookmarks *keyedMutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the defaults; zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithClock sets the time source.
func WithClock(clock crawljob.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithIDGenerator sets the generator used for cycle ids.
func WithIDGenerator(ids crawljob.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithLocker sets the batch cycle lock.
func WithLocker(locker crawljob.Locker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithPublisher enables committed-content events.
func WithPublisher(p crawljob.Notifier) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithArchiver enables content snapshots.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithThrottle sets the submission throttle.
func WithThrottle(t Throttle) Option {
	return func(o *Orchestrator) { o.throttle = t }
}

// New wires an Orchestrator. Jobs, contents and client are required.
func New(
	jobs crawljob.JobStore,
	contents crawljob.ContentStore,
	client crawljob.CrawlClient,
	opts ...Option,
) (*Orchestrator, error) {
	if jobs == nil || contents == nil || client == nil {
		return nil, errors.New("orchestrator requires job store, content store and crawl client")
	}
	o := &Orchestrator{
		jobs:      jobs,
		contents:  contents,
		client:    client,
		cfg:       DefaultConfig(),
		bookmarks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = wallClock{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.throttle == nil {
		o.throttle = noThrottle{}
	}
	metrics.Init()
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now()
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type noThrottle struct{}

func (noThrottle) Wait(context.Context, string) error { return nil }

// exclusive runs fn under the cycle lock so that only one coordinator mutates
// jobs at a time. It returns crawljob.ErrCycleLocked when the lock is held
// elsewhere. Without a locker fn runs directly.
func (o *Orchestrator) exclusive(ctx context.Context, fn func(context.Context) error) error {
	if o.locker == nil {
		return fn(ctx)
	}
	release, ok, err := o.locker.TryLock(ctx, o.cfg.LockName)
	if err != nil {
		return fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return crawljob.ErrCycleLocked
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("release cycle lock", zap.String("lock", o.cfg.LockName), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// flagExhausted marks the bookmark permanently failed when job, now failed,
// has no retries left and is still the bookmark's latest row.
func (o *Orchestrator) flagExhausted(ctx context.Context, job crawljob.Job) error {
	if !job.Exhausted() {
		return nil
	}
	latest, err := o.jobs.FindByBookmark(ctx, job.BookmarkID)
	if err != nil {
		return err
	}
	if latest.ID != job.ID {
		return nil
	}
	flagged, err := o.contents.MarkPermanentlyFailed(ctx, job.BookmarkID, job.URL)
	if err != nil {
		return err
	}
	if flagged {
		metrics.ObservePermanentFailure()
		o.logger.Warn("bookmark permanently failed", jobFields(job)...)
	}
	return nil
}

// cancelOrphan cancels a remote job that was accepted but could not be
// recorded, so it does not run unobserved.
func (o *Orchestrator) cancelOrphan(ctx context.Context, bookmarkID int64, remoteID string) {
	ok, err := o.client.Cancel(ctx, remoteID)
	if err != nil || !ok {
		o.logger.Warn("orphaned crawl job left running",
			zap.Int64("bookmark_id", bookmarkID),
			zap.String("remote_id", remoteID),
			zap.Error(err),
		)
	}
}

func jobFields(job crawljob.Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ShortID()),
		zap.Int64("bookmark_id", job.BookmarkID),
		zap.Int("retry_count", job.RetryCount),
	}
}

func storeDown(err error) bool {
	return errors.Is(err, crawljob.ErrStoreUnavailable)
}
