// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/sitecorpus/internal/fetcher/colly"
	"github.com/JakeFAU/sitecorpus/internal/indexer/httpapi"
	"github.com/JakeFAU/sitecorpus/internal/indexing"
	"github.com/JakeFAU/sitecorpus/internal/logging"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
	"github.com/JakeFAU/sitecorpus/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecorpus/internal/reconcile"
	"github.com/JakeFAU/sitecorpus/internal/retry"
	gcsstorage "github.com/JakeFAU/sitecorpus/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecorpus/internal/storage/local"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendHTTP     = "http"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   logging.Config   `mapstructure:"logging"`
	DB        DBConfig         `mapstructure:"db"`
	Capture   pipeline.Config  `mapstructure:"capture"`
	Reconcile reconcile.Config `mapstructure:"reconcile"`
	Indexing  indexing.Config  `mapstructure:"indexing"`
	Fetcher   FetcherConfig    `mapstructure:"fetcher"`
	Indexer   IndexerConfig    `mapstructure:"indexer"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Storage   StorageConfig    `mapstructure:"storage"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the record store. An empty DSN selects the in-memory
// store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FetcherConfig configures enumeration and content fetching.
type FetcherConfig struct {
	collyfetcher.Config `mapstructure:",squash"`
	RateLimit           ratelimit.Config `mapstructure:"rate_limit"`
	// Languages limits language detection to these ISO 639-1 codes.
	Languages []string `mapstructure:"languages"`
}

// IndexerConfig selects and configures the indexing service client.
type IndexerConfig struct {
	Backend string         `mapstructure:"backend"`
	HTTP    httpapi.Config `mapstructure:"http"`
	// AcceptAfterPolls tunes the in-memory service.
	AcceptAfterPolls int `mapstructure:"accept_after_polls"`
}

// SchedulerConfig selects how indexing tasks are handed off.
type SchedulerConfig struct {
	Backend    string       `mapstructure:"backend"`
	Workers    int          `mapstructure:"workers"`
	QueueDepth int          `mapstructure:"queue_depth"`
	Retry      retry.Config `mapstructure:"retry"`
}

// PubSubConfig holds the topic and subscription carrying indexing tasks.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// StorageConfig selects where capture snapshots are archived.
type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	GCS     gcsstorage.Config   `mapstructure:"gcs"`
	Local   localstorage.Config `mapstructure:"local"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITECORPUS")
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
	v.SetDefault("server.request_timeout", "15m")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("capture.max_pages", 200)
	v.SetDefault("capture.poll_interval", "2s")
	v.SetDefault("capture.max_wait", "10m")
	v.SetDefault("capture.snapshot_prefix", "snapshots")

	v.SetDefault("reconcile.miss_threshold", 3)
	v.SetDefault("reconcile.similarity_threshold", 0.95)
	v.SetDefault("reconcile.heal_max_attempts", 5)
	v.SetDefault("reconcile.refresh_parallelism", 5)

	v.SetDefault("indexing.batch_size", 200)
	v.SetDefault("indexing.sub_batch_size", 10)
	v.SetDefault("indexing.parallelism", 5)
	v.SetDefault("indexing.operation_timeout", "5m")
	v.SetDefault("indexing.retry.max_attempts", 5)
	v.SetDefault("indexing.retry.base_delay", "1s")
	v.SetDefault("indexing.retry.max_delay", "30s")

	v.SetDefault("fetcher.user_agent", "sitecorpus-bot/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", "20s")
	v.SetDefault("fetcher.max_depth", 2)
	v.SetDefault("fetcher.max_urls", 1000)
	v.SetDefault("fetcher.parallelism", 4)
	v.SetDefault("fetcher.feed_paths", []string{"/feed", "/rss.xml", "/atom.xml", "/index.xml"})
	v.SetDefault("fetcher.batch_timeout", "10m")
	v.SetDefault("fetcher.rate_limit.rps", 2.0)
	v.SetDefault("fetcher.rate_limit.burst", 2)
	v.SetDefault("fetcher.languages", []string{})

	v.SetDefault("indexer.backend", BackendMemory)
	v.SetDefault("indexer.http.base_url", "")
	v.SetDefault("indexer.http.api_key", "")
	v.SetDefault("indexer.http.timeout", "30s")
	v.SetDefault("indexer.http.rate_limit.rps", 5.0)
	v.SetDefault("indexer.http.rate_limit.burst", 5)
	v.SetDefault("indexer.accept_after_polls", 1)

	v.SetDefault("scheduler.backend", BackendMemory)
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.retry.max_attempts", 3)
	v.SetDefault("scheduler.retry.base_delay", "2s")
	v.SetDefault("scheduler.retry.max_delay", "1m")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.subscription", "")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.local.base_dir", "data/snapshots")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Capture.MaxPages < 0 {
		return fmt.Errorf("capture.max_pages must be >= 0")
	}
	if c.Reconcile.MissThreshold < 0 {
		return fmt.Errorf("reconcile.miss_threshold must be >= 0")
	}
	if s := c.Reconcile.SimilarityThreshold; s < 0 || s > 1 {
		return fmt.Errorf("reconcile.similarity_threshold must be within [0, 1]")
	}
	if err := oneOf("indexer.backend", c.Indexer.Backend, BackendMemory, BackendHTTP); err != nil {
		return err
	}
	if c.Indexer.Backend == BackendHTTP && c.Indexer.HTTP.BaseURL == "" {
		return fmt.Errorf("indexer.http.base_url must be set for the http indexer")
	}
	if err := oneOf("scheduler.backend", c.Scheduler.Backend, BackendMemory, BackendPubSub); err != nil {
		return err
	}
	if c.Scheduler.Backend == BackendMemory && c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.Backend == BackendPubSub && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub scheduler")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Storage.Backend == BackendGCS && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
