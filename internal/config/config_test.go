package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Job.WorkerCount)
	require.Equal(t, 10, cfg.Job.MaxDepth)
	require.False(t, cfg.Job.FreshStart)
	require.Equal(t, 15*time.Second, cfg.Job.FetchTimeout)
	require.Equal(t, 30*time.Second, cfg.Job.IdleTimeout)
	require.Equal(t, StoreRedis, cfg.Store.Provider)
	require.Equal(t, "crawl", cfg.Store.Redis.Prefix)
	require.Equal(t, []string{SinkLog}, cfg.Sink.Providers)
	require.True(t, cfg.HTTP.RespectRobots)
	require.Equal(t, 8080, cfg.Server.Port)

	wc := cfg.WorkerConfig()
	require.Equal(t, cfg.Job.StallTimeout, wc.StallTimeout)
	es := cfg.EmitterSettings()
	require.Equal(t, 5, es.Retry.MaxAttempts)
	require.Equal(t, 30*time.Second, es.DeliverTimeout)
	require.Equal(t, 10*time.Second, es.EnqueueTimeout)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
job:
  seed_url: https://www.example.edu/
  worker_count: 8
  max_depth: 3
  fresh_start: true
  fetch_timeout: 5s
  idle_timeout: 1m
store:
  provider: Memory
sink:
  providers: [file, postgres]
  file:
    base_dir: /tmp/pages
  postgres:
    dsn: postgres://crawler@localhost/campus
http:
  user_agent: campus-bot
  respect_robots: false
  rate_limit_rps: 0.5
auth:
  enabled: true
  api_key: secret
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://www.example.edu/", cfg.Job.SeedURL)
	require.Equal(t, 8, cfg.Job.WorkerCount)
	require.Equal(t, 3, cfg.Job.MaxDepth)
	require.True(t, cfg.Job.FreshStart)
	require.Equal(t, 5*time.Second, cfg.Job.FetchTimeout)
	require.Equal(t, time.Minute, cfg.Job.IdleTimeout)
	require.Equal(t, StoreMemory, cfg.Store.Provider)
	require.Equal(t, []string{SinkFile, SinkPostgres}, cfg.Sink.Providers)
	require.Equal(t, "campus-bot", cfg.HTTP.UserAgent)
	require.False(t, cfg.HTTP.RespectRobots)
	require.InDelta(t, 0.5, cfg.HTTP.RateLimitRPS, 1e-9)
	require.True(t, cfg.Auth.Enabled)
	require.True(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_JOB_WORKER_COUNT", "12")
	t.Setenv("CRAWLER_STORE_REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Job.WorkerCount)
	require.Equal(t, "redis:6380", cfg.Store.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Job.WorkerCount = 0 }, "job.worker_count"},
		{"depth", func(c *Config) { c.Job.MaxDepth = -1 }, "job.max_depth"},
		{"fetch timeout", func(c *Config) { c.Job.FetchTimeout = 0 }, "job.fetch_timeout"},
		{"poll", func(c *Config) { c.Job.PollInterval = time.Hour }, "job.poll_interval"},
		{"stall", func(c *Config) { c.Job.StallTimeout = time.Second }, "job.stall_timeout"},
		{"store", func(c *Config) { c.Store.Provider = "etcd" }, "store.provider"},
		{"redis addr", func(c *Config) { c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"no sinks", func(c *Config) { c.Sink.Providers = nil }, "sink.providers"},
		{"sink", func(c *Config) { c.Sink.Providers = []string{"rabbitmq"} }, "unknown sink"},
		{"kafka", func(c *Config) { c.Sink.Providers = []string{SinkKafka} }, "sink.kafka.brokers"},
		{"neo4j", func(c *Config) { c.Sink.Providers = []string{SinkNeo4j} }, "sink.neo4j.uri"},
		{"mongo", func(c *Config) { c.Sink.Providers = []string{SinkMongo} }, "sink.mongo.uri"},
		{"sqlite", func(c *Config) {
			c.Sink.Providers = []string{SinkSQLite}
			c.Sink.SQLite.Path = ""
		}, "sink.sqlite.path"},
		{"gcs", func(c *Config) { c.Sink.Providers = []string{SinkGCS} }, "sink.gcs.bucket"},
		{"pubsub", func(c *Config) { c.Sink.Providers = []string{SinkPubSub} }, "sink.pubsub"},
		{"postgres", func(c *Config) { c.Sink.Providers = []string{SinkPostgres} }, "sink.postgres.dsn"},
		{"emitter", func(c *Config) { c.Emitter.Concurrency = 0 }, "emitter"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Sink.Providers = append([]string(nil), base.Sink.Providers...)
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestXDGDirs(t *testing.T) {
	t.Parallel()

	require.Equal(t, AppName, filepath.Base(ConfigDir()))
	require.Equal(t, AppName, filepath.Base(DataDir()))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(DataDir(), "pages.db"), cfg.Sink.SQLite.Path)
}
