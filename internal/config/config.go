// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/emitter"
	"github.com/JakeFAU/campus-crawler/internal/worker"
)

// AppName names the XDG directories the crawler uses.
const AppName = "campus-crawler"

// ConfigDir returns the XDG config directory for the crawler.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DataDir returns the XDG data directory, home of local page indexes.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// Store providers.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Sink providers.
const (
	SinkLog      = "log"
	SinkFile     = "file"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
	SinkKafka    = "kafka"
	SinkNeo4j    = "neo4j"
	SinkMongo    = "mongo"
	SinkSQLite   = "sqlite"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Job     JobConfig     `mapstructure:"job"`
	Store   StoreConfig   `mapstructure:"store"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Emitter EmitterConfig `mapstructure:"emitter"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// JobConfig holds the launch parameters of a crawl and the worker timing.
type JobConfig struct {
	SeedURL      string        `mapstructure:"seed_url"`
	WorkerCount  int           `mapstructure:"worker_count"`
	MaxDepth     int           `mapstructure:"max_depth"`
	FreshStart   bool          `mapstructure:"fresh_start"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	Provider string      `mapstructure:"provider"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SinkConfig selects where emitted pages go. Several providers may be listed.
type SinkConfig struct {
	Providers []string       `mapstructure:"providers"`
	File      FileConfig     `mapstructure:"file"`
	GCS       GCSConfig      `mapstructure:"gcs"`
	PubSub    PubSubConfig   `mapstructure:"pubsub"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	Kafka     KafkaConfig    `mapstructure:"kafka"`
	Neo4j     Neo4jConfig    `mapstructure:"neo4j"`
	Mongo     MongoConfig    `mapstructure:"mongo"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
}

// FileConfig configures the filesystem sink.
type FileConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Cloud Storage sink.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig configures the Pub/Sub sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// PostgresConfig configures the page metadata sink.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Neo4jConfig configures the link graph sink.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// MongoConfig configures the document sink.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// SQLiteConfig configures the local page index.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// EmitterConfig tunes asynchronous delivery.
type EmitterConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// DeliverTimeout bounds one sink call; EnqueueTimeout bounds a worker's
	// wait on a full buffer before the page is dropped.
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// HTTPConfig governs how pages are fetched.
type HTTPConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
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

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := New()
	return LoadFrom(v, path)
}

// New returns a Viper instance with defaults and CRAWLER_ env binding, ready
// for command-line flags to be bound before LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFrom reads path into v and decodes the result. Without a path it looks
// for config.{yaml,json,toml} in the working directory, /etc/campus-crawler,
// the XDG config directory and $HOME/.campus-crawler, and falls back to
// defaults and environment.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/campus-crawler/")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath("$HOME/.campus-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store.Provider = strings.ToLower(strings.TrimSpace(cfg.Store.Provider))
	for i, p := range cfg.Sink.Providers {
		cfg.Sink.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.worker_count", 4)
	v.SetDefault("job.max_depth", crawler.DefaultMaxDepth)
	v.SetDefault("job.fresh_start", false)
	v.SetDefault("job.fetch_timeout", 15*time.Second)
	v.SetDefault("job.idle_timeout", 30*time.Second)
	v.SetDefault("job.poll_interval", 500*time.Millisecond)
	v.SetDefault("job.stall_timeout", 5*time.Minute)
	v.SetDefault("store.provider", StoreRedis)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "crawl")
	v.SetDefault("sink.providers", []string{SinkLog})
	v.SetDefault("sink.file.base_dir", "pages")
	v.SetDefault("sink.postgres.table", "crawled_pages")
	v.SetDefault("sink.kafka.topic", "crawl.pages")
	v.SetDefault("sink.neo4j.username", "neo4j")
	v.SetDefault("sink.mongo.database", "crawl")
	v.SetDefault("sink.mongo.collection", "pages")
	v.SetDefault("sink.sqlite.path", filepath.Join(DataDir(), "pages.db"))
	v.SetDefault("emitter.buffer_size", 256)
	v.SetDefault("emitter.concurrency", 4)
	v.SetDefault("emitter.max_attempts", 5)
	v.SetDefault("emitter.backoff_base", 250*time.Millisecond)
	v.SetDefault("emitter.backoff_max", 10*time.Second)
	v.SetDefault("emitter.drain_timeout", 30*time.Second)
	v.SetDefault("emitter.deliver_timeout", 30*time.Second)
	v.SetDefault("emitter.enqueue_timeout", 10*time.Second)
	v.SetDefault("http.user_agent", "campus-crawler/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.rate_limit_rps", 2.0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. The seed URL is
// checked by the commands that need it.
func (c Config) Validate() error {
	if c.Job.WorkerCount <= 0 {
		return fmt.Errorf("job.worker_count must be > 0")
	}
	if c.Job.MaxDepth < 0 {
		return fmt.Errorf("job.max_depth must be >= 0")
	}
	if c.Job.FetchTimeout <= 0 {
		return fmt.Errorf("job.fetch_timeout must be > 0")
	}
	if c.Job.IdleTimeout <= 0 {
		return fmt.Errorf("job.idle_timeout must be > 0")
	}
	if c.Job.PollInterval <= 0 || c.Job.PollInterval > c.Job.IdleTimeout {
		return fmt.Errorf("job.poll_interval must be > 0 and <= job.idle_timeout")
	}
	if c.Job.StallTimeout < c.Job.IdleTimeout {
		return fmt.Errorf("job.stall_timeout must be >= job.idle_timeout")
	}
	switch c.Store.Provider {
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	if len(c.Sink.Providers) == 0 {
		return fmt.Errorf("sink.providers must list at least one sink")
	}
	for _, p := range c.Sink.Providers {
		if err := c.Sink.validate(p); err != nil {
			return err
		}
	}
	if c.Emitter.BufferSize <= 0 || c.Emitter.Concurrency <= 0 || c.Emitter.MaxAttempts <= 0 {
		return fmt.Errorf("emitter.buffer_size, concurrency and max_attempts must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (s SinkConfig) validate(provider string) error {
	switch provider {
	case SinkLog, SinkMemory:
		return nil
	case SinkFile:
		if s.File.BaseDir == "" {
			return fmt.Errorf("sink.file.base_dir is required")
		}
	case SinkGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("sink.gcs.bucket is required")
		}
	case SinkPubSub:
		if s.PubSub.ProjectID == "" || s.PubSub.TopicID == "" {
			return fmt.Errorf("sink.pubsub.project_id and topic_id are required")
		}
	case SinkPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required")
		}
	case SinkKafka:
		if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.brokers and topic are required")
		}
	case SinkNeo4j:
		if s.Neo4j.URI == "" {
			return fmt.Errorf("sink.neo4j.uri is required")
		}
	case SinkMongo:
		if s.Mongo.URI == "" || s.Mongo.Database == "" || s.Mongo.Collection == "" {
			return fmt.Errorf("sink.mongo.uri, database and collection are required")
		}
	case SinkSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("sink.sqlite.path is required")
		}
	default:
		return fmt.Errorf("unknown sink provider %q", provider)
	}
	return nil
}

// WorkerConfig returns the per-worker timing shared by every worker.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		MaxDepth:     c.Job.MaxDepth,
		PollInterval: c.Job.PollInterval,
		IdleTimeout:  c.Job.IdleTimeout,
		StallTimeout: c.Job.StallTimeout,
		FetchTimeout: c.Job.FetchTimeout,
	}
}

// EmitterSettings converts the emitter section.
func (c Config) EmitterSettings() emitter.Config {
	return emitter.Config{
		BufferSize:  c.Emitter.BufferSize,
		Concurrency: c.Emitter.Concurrency,
		Retry: emitter.RetryPolicy{
			MaxAttempts: c.Emitter.MaxAttempts,
			BaseDelay:   c.Emitter.BackoffBase,
			MaxDelay:    c.Emitter.BackoffMax,
		},
		DeliverTimeout: c.Emitter.DeliverTimeout,
		EnqueueTimeout: c.Emitter.EnqueueTimeout,
	}
}
