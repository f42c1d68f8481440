// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Website   WebsiteConfig   `mapstructure:"website"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig configures the HTTP fetcher and its retry loop.
type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	UserAgents        []string      `mapstructure:"user_agents"`
	RobotsAgent       string        `mapstructure:"robots_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// RateLimitConfig spaces requests to the same host.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebsiteConfig bounds how many secondary pages a site scrape visits.
type WebsiteConfig struct {
	MaxPagesPerSection int `mapstructure:"max_pages_per_section"`
	MaxSecondaryPages  int `mapstructure:"max_secondary_pages"`
}

// RegistryConfig points at the corporate registry API.
type RegistryConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	APIToken     string  `mapstructure:"api_token"`
	MaxPages     int     `mapstructure:"max_pages"`
	RPS          float64 `mapstructure:"rps"`
	AnonymousRPS float64 `mapstructure:"anonymous_rps"`
	Burst        int     `mapstructure:"burst"`
}

// TasksConfig governs task retries and recovery.
type TasksConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	// RequeueAfter is how long a waiting task may sit untouched before the
	// sweeper enqueues it again.
	RequeueAfter  time.Duration `mapstructure:"requeue_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WorkersConfig sizes the worker pool. Count 0 means two per CPU.
type WorkersConfig struct {
	Count      int           `mapstructure:"count"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// QueueConfig selects the job transport.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"`
	Capacity int          `mapstructure:"capacity"`
	Redis    RedisConfig  `mapstructure:"redis"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig addresses the Redis list queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// PubSubConfig names the Pub/Sub topic and subscription.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the Postgres pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig selects where fetched pages are archived, if anywhere.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// NotifyConfig selects where terminal task outcomes are published.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from an optional file and RESEARCH_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESEARCH")
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
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "60s")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.api_key", "")

	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", "1s")
	v.SetDefault("fetch.backoff_multiplier", 2.0)
	v.SetDefault("fetch.backoff_jitter", 0.2)
	v.SetDefault("fetch.backoff_max", "30s")
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.robots_agent", "CompanyResearchBot")
	v.SetDefault("fetch.max_body_bytes", 5<<20)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.min_delay", "2s")
	v.SetDefault("ratelimit.max_delay", "4s")

	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.ttl", "24h")
	v.SetDefault("robots.timeout", "5s")

	v.SetDefault("website.max_pages_per_section", 1)
	v.SetDefault("website.max_secondary_pages", 6)

	v.SetDefault("registry.base_url", "https://api.opencorporates.com/v0.4/")
	v.SetDefault("registry.api_token", "")
	v.SetDefault("registry.max_pages", 5)
	v.SetDefault("registry.rps", 5.0)
	v.SetDefault("registry.anonymous_rps", 0.5)
	v.SetDefault("registry.burst", 1)

	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("tasks.retry_base", "1m")
	v.SetDefault("tasks.retry_max", "10m")
	v.SetDefault("tasks.stale_after", "15m")
	v.SetDefault("tasks.requeue_after", "5m")
	v.SetDefault("tasks.sweep_interval", "1m")

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.job_timeout", "10m")

	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.key", "research:jobs")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic_id", "research-jobs")
	v.SetDefault("queue.pubsub.subscription_id", "research-jobs-workers")
	v.SetDefault("queue.pubsub.max_outstanding", 10)

	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "research_tasks")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.sqlite.path", "research.db")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.bucket", "")

	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "research-outcomes")
}

func (c *Config) normalize() {
	c.Queue.Provider = strings.ToLower(strings.TrimSpace(c.Queue.Provider))
	c.Store.Provider = strings.ToLower(strings.TrimSpace(c.Store.Provider))
	c.Archive.Provider = strings.ToLower(strings.TrimSpace(c.Archive.Provider))
	c.Notify.Provider = strings.ToLower(strings.TrimSpace(c.Notify.Provider))
	if c.Notify.ProjectID == "" {
		c.Notify.ProjectID = c.Queue.PubSub.ProjectID
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffJitter < 0 || c.Fetch.BackoffJitter > 1 {
		return fmt.Errorf("fetch.backoff_jitter must be within [0,1]")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MinDelay < 0 || c.RateLimit.MaxDelay < c.RateLimit.MinDelay) {
		return fmt.Errorf("ratelimit.max_delay must be >= ratelimit.min_delay >= 0")
	}
	if c.Tasks.MaxAttempts <= 0 {
		return fmt.Errorf("tasks.max_attempts must be > 0")
	}
	if c.Tasks.SweepInterval <= 0 {
		return fmt.Errorf("tasks.sweep_interval must be > 0")
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	if c.Website.MaxPagesPerSection <= 0 || c.Website.MaxSecondaryPages < 0 {
		return fmt.Errorf("website page caps must be positive")
	}

	switch c.Queue.Provider {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis queue")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" || c.Queue.PubSub.SubscriptionID == "" {
			return fmt.Errorf("queue.pubsub project_id, topic_id and subscription_id are required")
		}
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}

	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres store")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}

	switch c.Archive.Provider {
	case "none", "", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}

	switch c.Notify.Provider {
	case "none", "", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicID == "" {
			return fmt.Errorf("notify.project_id and notify.topic_id are required for pubsub notifications")
		}
	default:
		return fmt.Errorf("unknown notify.provider %q", c.Notify.Provider)
	}
	return nil
}
