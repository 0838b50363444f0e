// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	localstorage "github.com/JakeFAU/catalog-archiver/internal/storage/local"
	"github.com/JakeFAU/catalog-archiver/internal/trigger"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
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

// RemoteConfig points at the remote catalog and detail endpoints.
type RemoteConfig struct {
	CatalogURL     string  `mapstructure:"catalog_url"`
	DetailURL      string  `mapstructure:"detail_url"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxPages       int     `mapstructure:"max_pages"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxIdleConns   int     `mapstructure:"max_idle_conns"`
}

// DatabaseConfig selects and tunes the catalog store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	CatalogTable    string        `mapstructure:"catalog_table"`
	StagingTable    string        `mapstructure:"staging_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig selects and tunes the work queue transport.
type QueueConfig struct {
	Backend     string         `mapstructure:"backend"`
	Depth       int            `mapstructure:"depth"`
	MaxAttempts int            `mapstructure:"max_attempts"`
	PubSub      PubSubConfig   `mapstructure:"pubsub"`
	RabbitMQ    RabbitMQConfig `mapstructure:"rabbitmq"`
}

// PubSubConfig names the Pub/Sub topic and subscription carrying work items.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SubscriptionName string `mapstructure:"subscription_name"`
}

// RabbitMQConfig names the broker and durable queue carrying work items.
type RabbitMQConfig struct {
	URL                string `mapstructure:"url"`
	QueueName          string `mapstructure:"queue_name"`
	Prefetch           int    `mapstructure:"prefetch"`
	DeadLetterExchange string `mapstructure:"dead_letter_exchange"`
}

// StorageConfig sets the archive backend and key layout.
type StorageConfig struct {
	Backend     string              `mapstructure:"backend"`
	Prefix      string              `mapstructure:"prefix"`
	Extension   string              `mapstructure:"extension"`
	ContentType string              `mapstructure:"content_type"`
	GCS         GCSConfig           `mapstructure:"gcs"`
	Local       localstorage.Config `mapstructure:"local"`
	Minio       MinioConfig         `mapstructure:"minio"`
}

// GCSConfig names the Cloud Storage bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// MinioConfig describes an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ScheduleConfig holds the two periodic trigger expressions.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sync    string `mapstructure:"sync"`
	Fanout  string `mapstructure:"fanout"`
}

// ProcessorConfig bounds queue consumption.
type ProcessorConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Concurrency    int  `mapstructure:"concurrency"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("remote.catalog_url", "https://pokeapi.co/api/v2/pokemon?limit=151&offset=0")
	v.SetDefault("remote.detail_url", "https://pokeapi.co/api/v2/pokemon/{name}")
	v.SetDefault("remote.user_agent", "catalog-archiver/0.1")
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.max_pages", 1)
	v.SetDefault("remote.rate_limit_rps", 10.0)
	v.SetDefault("remote.rate_limit_burst", 5)
	v.SetDefault("remote.max_idle_conns", 32)
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.sqlite_path", "catalog.db")
	v.SetDefault("database.catalog_table", "pokemon")
	v.SetDefault("database.staging_table", "pokemon_stg")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.pubsub.topic_name", "pokemon-queue")
	v.SetDefault("queue.pubsub.subscription_name", "pokemon-queue-sub")
	v.SetDefault("queue.rabbitmq.queue_name", "pokemon-queue")
	v.SetDefault("queue.rabbitmq.prefetch", 8)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pokemon")
	v.SetDefault("storage.extension", "json")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("storage.local.base_dir", "archive")
	v.SetDefault("storage.minio.region", "us-east-1")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.sync", "16 2 7 3 * *")
	v.SetDefault("schedule.fanout", "0 13 0 * * *")
	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.concurrency", 4)
	v.SetDefault("processor.timeout_seconds", 300)
	v.SetDefault("telemetry.service_name", "catalog-archiver")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// Keys without a natural default still need registering so AutomaticEnv
	// can populate them during Unmarshal.
	v.SetDefault("auth.enabled", false)
	v.SetDefault("storage.minio.use_ssl", false)
	for _, key := range []string{
		"auth.api_key",
		"database.dsn",
		"queue.pubsub.project_id",
		"queue.rabbitmq.url",
		"queue.rabbitmq.dead_letter_exchange",
		"storage.gcs.bucket",
		"storage.minio.endpoint",
		"storage.minio.access_key",
		"storage.minio.secret_key",
		"storage.minio.bucket",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := validateURL("remote.catalog_url", c.Remote.CatalogURL); err != nil {
		return err
	}
	if !strings.Contains(c.Remote.DetailURL, "{name}") {
		return fmt.Errorf("remote.detail_url must contain the {name} placeholder")
	}
	if err := validateURL("remote.detail_url", strings.ReplaceAll(c.Remote.DetailURL, "{name}", "x")); err != nil {
		return err
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Remote.MaxPages <= 0 {
		return fmt.Errorf("remote.max_pages must be > 0")
	}
	if c.Remote.RateLimitRPS < 0 {
		return fmt.Errorf("remote.rate_limit_rps must be >= 0")
	}

	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}

	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
		// Nothing outside this process can drain an in-memory queue.
		if !c.Processor.Enabled {
			return fmt.Errorf("queue.backend memory requires processor.enabled")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicName == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic_name are required")
		}
		if c.Processor.Enabled && c.Queue.PubSub.SubscriptionName == "" {
			return fmt.Errorf("queue.pubsub.subscription_name is required when the processor is enabled")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" || c.Queue.RabbitMQ.QueueName == "" {
			return fmt.Errorf("queue.rabbitmq.url and queue.rabbitmq.queue_name are required")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}

	switch c.Storage.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if strings.Trim(c.Storage.Prefix, "/") == "" {
		return fmt.Errorf("storage.prefix is required")
	}
	if strings.TrimPrefix(c.Storage.Extension, ".") == "" {
		return fmt.Errorf("storage.extension is required")
	}

	if c.Schedule.Enabled {
		if err := trigger.Validate(c.Schedule.Sync); err != nil {
			return fmt.Errorf("schedule.sync: %w", err)
		}
		if err := trigger.Validate(c.Schedule.Fanout); err != nil {
			return fmt.Errorf("schedule.fanout: %w", err)
		}
	}

	if c.Processor.Concurrency <= 0 {
		return fmt.Errorf("processor.concurrency must be > 0")
	}
	if c.Processor.TimeoutSeconds <= 0 {
		return fmt.Errorf("processor.timeout_seconds must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// SharedQueue reports whether the queue backend is reachable from other
// processes. One-shot fan-out and standalone workers need one.
func (c Config) SharedQueue() bool {
	return c.Queue.Backend != "memory"
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

// ProcessorTimeout is the execution budget for a single work item.
func (c Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

// RemoteTimeout is the per-request HTTP timeout for the remote source.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds API handler execution.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
