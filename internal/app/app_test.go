package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/app"
	"github.com/rainpipe/contentfetch/internal/config"
	"github.com/rainpipe/contentfetch/internal/crawljob"
)

func baseConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Store:   config.StoreConfig{Backend: config.BackendMemory},
		Lock:    config.LockConfig{Backend: config.BackendMemory, Name: "content-fetch-cycle"},
		Archive: config.ArchiveConfig{Backend: config.BackendNone},
		Notify:  config.NotifyConfig{Backend: config.BackendNone},
		Crawl:   config.CrawlConfig{RequestTimeout: time.Second},
		Orchestrator: config.OrchestratorConfig{
			MaxRetries:       3,
			JobTimeout:       24 * time.Hour,
			PollConcurrency:  2,
			AlertSuccessRate: 0.5,
			AlertMinSample:   10,
		},
	}
}

func TestNewMemoryApp(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Jobs())
	require.NotNil(t, a.Contents())
	require.NotNil(t, a.Orchestrator())
	require.Equal(t, 3, a.Orchestrator().Config().MaxRetries)
	require.NoError(t, a.Migrate(context.Background()))

	_, err = a.Source()
	require.Error(t, err)
}

func TestNewWithoutCrawlServiceRejectsSubmission(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Orchestrator().FetchContent(context.Background(), 1, "https://example.com")
	require.ErrorContains(t, err, "crawl.base_url")

	stats, err := a.Orchestrator().Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Jobs.Total)
}

func TestNewSQLiteAppWithLocalArchive(t *testing.T) {
	t.Parallel()

	crawl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_uuid":"remote-1"}`))
	}))
	defer crawl.Close()

	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Store = config.StoreConfig{Backend: config.BackendSQLite}
	cfg.SQLite.Path = filepath.Join(dir, "contentfetch.db")
	cfg.Archive = config.ArchiveConfig{Backend: config.BackendLocal, Dir: filepath.Join(dir, "archive")}
	cfg.Notify = config.NotifyConfig{Backend: config.BackendMemory, Topic: "content-committed"}
	cfg.Crawl.BaseURL = crawl.URL

	ctx := context.Background()
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.ReadinessChecks(), 1)
	require.NoError(t, a.ReadinessChecks()[0].Ping(ctx))

	job, err := a.Orchestrator().FetchContent(ctx, 5, "https://example.com/5")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "remote-1", job.ID)

	stored, err := a.Jobs().FindByBookmark(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, crawljob.JobStatusPending, stored.Status)
}

func TestNewRedisLock(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.Lock = config.LockConfig{Backend: config.BackendRedis, Name: "cycle", TTL: time.Minute, Prefix: "test:"}
	cfg.Redis.Addr = mr.Addr()

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Orchestrator().RunCycle(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.CycleID)
	require.False(t, mr.Exists("test:cycle"))
}

func TestNewUnknownBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "store", mutate: func(c *config.Config) { c.Store.Backend = "mysql" }, want: "unknown store backend"},
		{name: "lock", mutate: func(c *config.Config) { c.Lock.Backend = "zookeeper" }, want: "unknown lock backend"},
		{name: "archive", mutate: func(c *config.Config) { c.Archive.Backend = "s3" }, want: "unknown archive backend"},
		{name: "notify", mutate: func(c *config.Config) { c.Notify.Backend = "kafka" }, want: "unknown notify backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.want)
		})
	}
}
