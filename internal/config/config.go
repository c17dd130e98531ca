// Package config loads and validates content fetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store, lock, archive and notify backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Store        StoreConfig        `mapstructure:"store"`
	SQLite       SQLiteConfig       `mapstructure:"sqlite"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Lock         LockConfig         `mapstructure:"lock"`
	Crawl        CrawlConfig        `mapstructure:"crawl"`
	Source       SourceConfig       `mapstructure:"source"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig controls the read-only HTTP API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the job and content store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig addresses the Redis server used by the redis lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig selects the batch cycle lock.
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	Name    string        `mapstructure:"name"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

// CrawlConfig points at the remote crawl service.
type CrawlConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	CallbackURL    string        `mapstructure:"callback_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SourceConfig points at the bookmark service.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	PerPage        int           `mapstructure:"per_page"`
	MaxPages       int           `mapstructure:"max_pages"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ArchiveConfig selects where committed content snapshots are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig selects how committed content is announced.
type NotifyConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// OrchestratorConfig tunes the job lifecycle.
type OrchestratorConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	PollConcurrency  int           `mapstructure:"poll_concurrency"`
	SubmitDelay      time.Duration `mapstructure:"submit_delay"`
	SubmitBurst      int           `mapstructure:"submit_burst"`
	AlertSuccessRate float64       `mapstructure:"alert_success_rate"`
	AlertMinSample   int           `mapstructure:"alert_min_sample"`
	BatchLimit       int           `mapstructure:"batch_limit"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONTENTFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("sqlite.path", "data/contentfetch.db")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.name", "content-fetch-cycle")
	v.SetDefault("lock.ttl", "30m")
	v.SetDefault("lock.prefix", "contentfetch:lock:")
	v.SetDefault("crawl.base_url", "")
	v.SetDefault("crawl.api_key", "")
	v.SetDefault("crawl.callback_url", "")
	v.SetDefault("crawl.request_timeout", "30s")
	v.SetDefault("source.base_url", "https://api.raindrop.io/rest/v1")
	v.SetDefault("source.token", "")
	v.SetDefault("source.per_page", 50)
	v.SetDefault("source.max_pages", 100)
	v.SetDefault("source.request_timeout", "30s")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "contents")
	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.topic", "content-committed")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "content-committed")
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.job_timeout", "24h")
	v.SetDefault("orchestrator.poll_concurrency", 4)
	v.SetDefault("orchestrator.submit_delay", "500ms")
	v.SetDefault("orchestrator.submit_burst", 1)
	v.SetDefault("orchestrator.alert_success_rate", 0.5)
	v.SetDefault("orchestrator.alert_min_sample", 10)
	v.SetDefault("orchestrator.batch_limit", 50)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite store")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Lock.Backend {
	case BackendNone, BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres lock")
		}
	default:
		return fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend)
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local archive")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Notify.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_id are required for pubsub notifications")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	if c.Crawl.RequestTimeout <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0")
	}
	o := c.Orchestrator
	if o.MaxRetries <= 0 {
		return fmt.Errorf("orchestrator.max_retries must be > 0")
	}
	if o.JobTimeout <= 0 {
		return fmt.Errorf("orchestrator.job_timeout must be > 0")
	}
	if o.PollConcurrency <= 0 {
		return fmt.Errorf("orchestrator.poll_concurrency must be > 0")
	}
	if o.SubmitDelay < 0 {
		return fmt.Errorf("orchestrator.submit_delay must be >= 0")
	}
	if o.AlertSuccessRate < 0 || o.AlertSuccessRate > 1 {
		return fmt.Errorf("orchestrator.alert_success_rate must be within [0, 1]")
	}
	return nil
}

// RequireCrawl reports whether the crawl service is configured. Commands that
// talk to it call this before wiring the client.
func (c Config) RequireCrawl() error {
	if c.Crawl.BaseURL == "" {
		return fmt.Errorf("crawl.base_url must be set")
	}
	return nil
}

// RequireSource reports whether the bookmark source is configured.
func (c Config) RequireSource() error {
	if c.Source.BaseURL == "" || c.Source.Token == "" {
		return fmt.Errorf("source.base_url and source.token must be set")
	}
	return nil
}
