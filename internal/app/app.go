// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/api"
	"github.com/rainpipe/contentfetch/internal/archive"
	"github.com/rainpipe/contentfetch/internal/clock"
	"github.com/rainpipe/contentfetch/internal/config"
	"github.com/rainpipe/contentfetch/internal/crawlclient"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/hash/sha256"
	"github.com/rainpipe/contentfetch/internal/id/uuid"
	lockmemory "github.com/rainpipe/contentfetch/internal/lock/memory"
	lockpostgres "github.com/rainpipe/contentfetch/internal/lock/postgres"
	lockredis "github.com/rainpipe/contentfetch/internal/lock/redis"
	"github.com/rainpipe/contentfetch/internal/orchestrator"
	"github.com/rainpipe/contentfetch/internal/policy/ratelimit"
	pubmemory "github.com/rainpipe/contentfetch/internal/publisher/memory"
	pubsubpublisher "github.com/rainpipe/contentfetch/internal/publisher/pubsub"
	"github.com/rainpipe/contentfetch/internal/source/raindrop"
	"github.com/rainpipe/contentfetch/internal/storage/gcs"
	"github.com/rainpipe/contentfetch/internal/storage/local"
	"github.com/rainpipe/contentfetch/internal/storage/memory"
	"github.com/rainpipe/contentfetch/internal/storage/postgres"
	"github.com/rainpipe/contentfetch/internal/storage/sqlite"
)

// errCrawlNotConfigured is returned by the placeholder crawl client used when
// crawl.base_url is empty. Read-only commands never reach it.
var errCrawlNotConfigured = errors.New("crawl service is not configured (set crawl.base_url)")

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	jobs         crawljob.JobStore
	contents     crawljob.ContentStore
	source       crawljob.BookmarkSource
	orchestrator *orchestrator.Orchestrator
	checks       []api.ReadinessCheck
	migrate      func(context.Context) error
	closers      []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the job store.
func (a *App) Jobs() crawljob.JobStore { return a.jobs }

// Contents returns the content store.
func (a *App) Contents() crawljob.ContentStore { return a.contents }

// Orchestrator returns the wired orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Source returns the bookmark source, or an error when it is not configured.
func (a *App) Source() (crawljob.BookmarkSource, error) {
	if a.source == nil {
		return nil, a.cfg.RequireSource()
	}
	return a.source, nil
}

// ReadinessChecks returns the probes served on /readyz.
func (a *App) ReadinessChecks() []api.ReadinessCheck { return a.checks }

// Migrate applies the store's schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate == nil {
		return nil
	}
	return a.migrate(ctx)
}

// New builds every service named by cfg. It fails fast when a configured
// backend cannot be initialized and releases whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clk := clock.New()
	if err := a.initStores(ctx, clk); err != nil {
		return nil, err
	}
	locker, err := a.initLocker(ctx)
	if err != nil {
		return nil, err
	}
	archiver, err := a.initArchive(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.initNotifier(ctx)
	if err != nil {
		return nil, err
	}
	crawl, err := a.initCrawl()
	if err != nil {
		return nil, err
	}
	if cfg.Source.Token != "" {
		a.source, err = raindrop.New(raindrop.Config{
			BaseURL:        cfg.Source.BaseURL,
			Token:          cfg.Source.Token,
			PerPage:        cfg.Source.PerPage,
			MaxPages:       cfg.Source.MaxPages,
			RequestTimeout: cfg.Source.RequestTimeout,
		}, nil, logger.Named("raindrop"))
		if err != nil {
			return nil, fmt.Errorf("init bookmark source: %w", err)
		}
	}

	oc := cfg.Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.Config{
			MaxRetries:       oc.MaxRetries,
			JobTimeout:       oc.JobTimeout,
			PollConcurrency:  oc.PollConcurrency,
			AlertSuccessRate: oc.AlertSuccessRate,
			AlertMinSample:   oc.AlertMinSample,
			LockName:         cfg.Lock.Name,
			CommittedTopic:   cfg.Notify.Topic,
		}),
		orchestrator.WithClock(clk),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithIDGenerator(uuid.New()),
		orchestrator.WithThrottle(ratelimit.New(ratelimit.Config{Interval: oc.SubmitDelay, Burst: oc.SubmitBurst})),
	}
	if locker != nil {
		opts = append(opts, orchestrator.WithLocker(locker))
	}
	if archiver != nil {
		opts = append(opts, orchestrator.WithArchiver(archiver))
	}
	if notifier != nil {
		opts = append(opts, orchestrator.WithPublisher(notifier))
	}
	a.orchestrator, err = orchestrator.New(a.jobs, a.contents, crawl, opts...)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)
	return a, nil
}

func (a *App) initStores(ctx context.Context, clk crawljob.Clock) error {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		a.jobs = memory.NewJobStore(clk)
		a.contents = memory.NewContentStore(clk)
	case config.BackendSQLite:
		db, err := sqlite.Open(a.cfg.SQLite.Path, clk, a.logger.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.addCloser("sqlite", db.Close)
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
		a.jobs = sqlite.NewJobStore(db)
		a.contents = sqlite.NewContentStore(db)
		a.migrate = db.Migrate
		a.checks = append(a.checks, api.ReadinessCheck{Name: "sqlite", Ping: db.Ping})
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.Postgres.DSN,
			MaxConns:        a.cfg.Postgres.MaxConns,
			MinConns:        a.cfg.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.addCloser("postgres", func() error { pool.Close(); return nil })
		jobs, err := postgres.NewJobStore(pool, clk)
		if err != nil {
			return fmt.Errorf("init postgres job store: %w", err)
		}
		contents, err := postgres.NewContentStore(pool, clk)
		if err != nil {
			return fmt.Errorf("init postgres content store: %w", err)
		}
		a.jobs, a.contents = jobs, contents
		a.migrate = func(ctx context.Context) error { return postgres.Migrate(ctx, pool, a.logger.Named("migrate")) }
		a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Ping: pool.Ping})
	default:
		return fmt.Errorf("unknown store backend: %s", a.cfg.Store.Backend)
	}
	return nil
}

func (a *App) initLocker(ctx context.Context) (crawljob.Locker, error) {
	switch a.cfg.Lock.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return lockmemory.New(), nil
	case config.BackendPostgres:
		conn, err := lockpostgres.Connect(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.addCloser("postgres lock", func() error { return conn.Close(context.Background()) })
		return lockpostgres.New(conn)
	case config.BackendRedis:
		client := r.NewClient(&r.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.addCloser("redis", client.Close)
		a.checks = append(a.checks, api.ReadinessCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		return lockredis.New(client, lockredis.Config{Prefix: a.cfg.Lock.Prefix, TTL: a.cfg.Lock.TTL})
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", a.cfg.Lock.Backend)
	}
}

func (a *App) initArchive(ctx context.Context) (*archive.Archive, error) {
	var blobs crawljob.BlobStore
	switch a.cfg.Archive.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		blobs = memory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = store
	case config.BackendGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.addCloser("gcs", store.Close)
		blobs = store
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", a.cfg.Archive.Backend)
	}
	return archive.New(blobs, sha256.New(), a.cfg.Archive.Prefix)
}

func (a *App) initNotifier(ctx context.Context) (crawljob.Notifier, error) {
	switch a.cfg.Notify.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return pubmemory.New(), nil
	case config.BackendPubSub:
		p, err := pubsubpublisher.Dial(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TopicID,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		a.addCloser("pubsub", p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown notify backend: %s", a.cfg.Notify.Backend)
	}
}

func (a *App) initCrawl() (crawljob.CrawlClient, error) {
	if a.cfg.Crawl.BaseURL == "" {
		return unconfiguredCrawl{}, nil
	}
	client, err := crawlclient.New(crawlclient.Config{
		BaseURL:        a.cfg.Crawl.BaseURL,
		APIKey:         a.cfg.Crawl.APIKey,
		CallbackURL:    a.cfg.Crawl.CallbackURL,
		RequestTimeout: a.cfg.Crawl.RequestTimeout,
	}, &http.Client{Timeout: a.cfg.Crawl.RequestTimeout}, a.logger.Named("crawlclient"))
	if err != nil {
		return nil, fmt.Errorf("init crawl client: %w", err)
	}
	return client, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Close shuts services down in reverse order of construction.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

type unconfiguredCrawl struct{}

func (unconfiguredCrawl) Submit(context.Context, string) (string, error) {
	return "", errCrawlNotConfigured
}

func (unconfiguredCrawl) Poll(context.Context, string) (crawljob.PollResult, error) {
	return crawljob.PollResult{}, errCrawlNotConfigured
}

func (unconfiguredCrawl) Cancel(context.Context, string) (bool, error) {
	return false, errCrawlNotConfigured
}
