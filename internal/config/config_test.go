package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Queue.Provider)
	assert.Equal(t, "memory", cfg.Store.Provider)
	assert.Equal(t, "none", cfg.Archive.Provider)
	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Tasks.RetryBase)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.MinDelay)
	assert.Equal(t, 4*time.Second, cfg.RateLimit.MaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.RequeueAfter)
	assert.Equal(t, time.Minute, cfg.Tasks.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Robots.TTL)
	assert.Equal(t, 1, cfg.Website.MaxPagesPerSection)
	assert.Equal(t, 6, cfg.Website.MaxSecondaryPages)
	assert.Equal(t, int64(5<<20), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, "research:jobs", cfg.Queue.Redis.Key)
	assert.Equal(t, "none", cfg.Notify.Provider)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  auth:
    enabled: true
    api_key: secret
fetch:
  timeout: 20s
  max_attempts: 5
  user_agents: ["agent-a", "agent-b"]
ratelimit:
  enabled: false
website:
  max_pages_per_section: 2
  max_secondary_pages: 10
registry:
  api_token: tok
  max_pages: 2
tasks:
  max_attempts: 4
  stale_after: 5m
workers:
  count: 3
queue:
  provider: Redis
  redis:
    addr: redis:6379
store:
  provider: sqlite
  sqlite:
    path: /tmp/tasks.db
archive:
  provider: gcs
  bucket: pages-bucket
notify:
  provider: PubSub
  project_id: research-prod
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Server.Auth.APIKey)
	assert.Equal(t, 20*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 5, cfg.Fetch.MaxAttempts)
	assert.Equal(t, []string{"agent-a", "agent-b"}, cfg.Fetch.UserAgents)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 2, cfg.Website.MaxPagesPerSection)
	assert.Equal(t, "tok", cfg.Registry.APIToken)
	assert.Equal(t, 4, cfg.Tasks.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.StaleAfter)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, "redis", cfg.Queue.Provider)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Provider)
	assert.Equal(t, "/tmp/tasks.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "gcs", cfg.Archive.Provider)
	assert.Equal(t, "pages-bucket", cfg.Archive.Bucket)
	assert.Equal(t, "pubsub", cfg.Notify.Provider)
	assert.Equal(t, "research-prod", cfg.Notify.ProjectID)
	assert.Equal(t, "research-outcomes", cfg.Notify.TopicID)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RESEARCH_SERVER_PORT", "7070")
	t.Setenv("RESEARCH_TASKS_MAX_ATTEMPTS", "6")
	t.Setenv("RESEARCH_STORE_PROVIDER", "postgres")
	t.Setenv("RESEARCH_STORE_POSTGRES_DSN", "postgres://localhost/research")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Tasks.MaxAttempts)
	assert.Equal(t, "postgres", cfg.Store.Provider)
	assert.Equal(t, "postgres://localhost/research", cfg.Store.Postgres.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "auth without key",
			mutate:  func(c *Config) { c.Server.Auth.Enabled = true },
			wantErr: "api_key",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Fetch.BackoffJitter = 1.5 },
			wantErr: "backoff_jitter",
		},
		{
			name: "inverted delays",
			mutate: func(c *Config) {
				c.RateLimit.MinDelay = 5 * time.Second
				c.RateLimit.MaxDelay = time.Second
			},
			wantErr: "ratelimit",
		},
		{
			name:    "zero task attempts",
			mutate:  func(c *Config) { c.Tasks.MaxAttempts = 0 },
			wantErr: "tasks.max_attempts",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Tasks.SweepInterval = 0 },
			wantErr: "tasks.sweep_interval",
		},
		{
			name:    "unknown queue",
			mutate:  func(c *Config) { c.Queue.Provider = "kafka" },
			wantErr: "queue.provider",
		},
		{
			name: "pubsub without project",
			mutate: func(c *Config) {
				c.Queue.Provider = "pubsub"
			},
			wantErr: "queue.pubsub",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Provider = "postgres" },
			wantErr: "store.postgres.dsn",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Archive.Provider = "gcs" },
			wantErr: "archive.bucket",
		},
		{
			name:    "pubsub notify without project",
			mutate:  func(c *Config) { c.Notify.Provider = "pubsub" },
			wantErr: "notify.project_id",
		},
		{
			name:    "unknown archive",
			mutate:  func(c *Config) { c.Archive.Provider = "s3" },
			wantErr: "archive.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
