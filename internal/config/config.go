// Package config loads and validates process configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all process configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Process   ProcessConfig   `mapstructure:"process"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Seed      SeedConfig      `mapstructure:"seed"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the admin HTTP server; port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// QueueConfig selects the queue transport and the queue names.
type QueueConfig struct {
	Backend          string        `mapstructure:"backend"`
	RedisURL         string        `mapstructure:"redis_url"`
	AMQPURL          string        `mapstructure:"amqp_url"`
	StartKey         string        `mapstructure:"start_key"`
	SuccessKey       string        `mapstructure:"success_key"`
	DataKey          string        `mapstructure:"data_key"`
	ErrorKey         string        `mapstructure:"error_key"`
	PopTimeout       time.Duration `mapstructure:"pop_timeout"`
	IdleSleep        time.Duration `mapstructure:"idle_sleep"`
	AMQPPollInterval time.Duration `mapstructure:"amqp_poll_interval"`
}

// FetchConfig governs the fetch stage.
type FetchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// MaxRetries is the total attempt budget per request.
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	UserAgent       string        `mapstructure:"user_agent"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	Proxy           ProxyConfig   `mapstructure:"proxy"`
}

// ProxyConfig routes fetches through fixed upstream proxies. Empty fields
// fall back to the HTTP_PROXY/HTTPS_PROXY environment.
type ProxyConfig struct {
	HTTP  string `mapstructure:"http"`
	HTTPS string `mapstructure:"https"`
}

// ProcessConfig governs the processing stage.
type ProcessConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	Routing          string `mapstructure:"routing"`
	EncodingOverride string `mapstructure:"encoding_override"`
}

// SinkConfig governs the data-queue sink.
type SinkConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// WorkflowConfig points at the workflow document.
type WorkflowConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig lists article backends in priority order.
type StorageConfig struct {
	Backends     []string       `mapstructure:"backends"`
	EnsureSchema bool           `mapstructure:"ensure_schema"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	MySQL        MySQLConfig    `mapstructure:"mysql"`
	Mongo        MongoConfig    `mapstructure:"mongo"`
}

// PostgresConfig configures the Postgres article backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MySQLConfig configures the MySQL article backend.
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// MongoConfig configures the MongoDB article backend.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects where article events are published.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SeedConfig configures external seed producers.
type SeedConfig struct {
	PendingDSN   string `mapstructure:"pending_dsn"`
	PendingTable string `mapstructure:"pending_table"`
	PendingBatch int    `mapstructure:"pending_batch"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.api_key", "")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.amqp_url", "")
	v.SetDefault("queue.start_key", "fetch_spider:start_urls")
	v.SetDefault("queue.success_key", "fetch_spider:success")
	v.SetDefault("queue.data_key", "fetch_spider:data_items")
	v.SetDefault("queue.error_key", "fetch_spider:errors")
	v.SetDefault("queue.pop_timeout", 5*time.Second)
	v.SetDefault("queue.idle_sleep", time.Second)
	v.SetDefault("queue.amqp_poll_interval", 200*time.Millisecond)
	v.SetDefault("fetch.concurrency", 1)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_delay", time.Second)
	v.SetDefault("fetch.user_agent", "flowcrawler/1.0")
	v.SetDefault("fetch.request_interval", time.Duration(0))
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.proxy.http", "")
	v.SetDefault("fetch.proxy.https", "")
	v.SetDefault("process.concurrency", 1)
	v.SetDefault("process.routing", "auto")
	v.SetDefault("process.encoding_override", "")
	v.SetDefault("sink.concurrency", 1)
	v.SetDefault("workflow.path", "")
	v.SetDefault("storage.backends", []string{})
	v.SetDefault("storage.ensure_schema", true)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 0)
	v.SetDefault("storage.mysql.dsn", "")
	v.SetDefault("storage.mysql.max_open_conns", 0)
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", "")
	v.SetDefault("storage.mongo.collection", "articles")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("seed.pending_dsn", "")
	v.SetDefault("seed.pending_table", "pending_requests")
	v.SetDefault("seed.pending_batch", 500)
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "flowcrawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1")
	}
	if c.Fetch.RetryDelay < 0 || c.Fetch.RequestInterval < 0 {
		return fmt.Errorf("fetch.retry_delay and fetch.request_interval must be >= 0")
	}
	for key, raw := range map[string]string{"fetch.proxy.http": c.Fetch.Proxy.HTTP, "fetch.proxy.https": c.Fetch.Proxy.HTTPS} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			return fmt.Errorf("%s must be an absolute proxy url", key)
		}
	}
	if c.Process.Concurrency <= 0 {
		return fmt.Errorf("process.concurrency must be > 0")
	}
	if c.Sink.Concurrency <= 0 {
		return fmt.Errorf("sink.concurrency must be > 0")
	}
	if !slices.Contains([]string{"", "auto", "persist", "queue"}, c.Process.Routing) {
		return fmt.Errorf("process.routing must be auto, persist or queue")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	switch c.Publisher.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend must be none, memory or pubsub")
	}
	return nil
}

func (q QueueConfig) validate() error {
	switch q.Backend {
	case "memory":
	case "redis":
		if q.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required for the redis backend")
		}
	case "amqp":
		if q.AMQPURL == "" {
			return fmt.Errorf("queue.amqp_url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory, redis or amqp")
	}
	for name, key := range map[string]string{
		"queue.start_key":   q.StartKey,
		"queue.success_key": q.SuccessKey,
		"queue.data_key":    q.DataKey,
		"queue.error_key":   q.ErrorKey,
	} {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if q.PopTimeout <= 0 {
		return fmt.Errorf("queue.pop_timeout must be > 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	seen := make(map[string]bool, len(s.Backends))
	for _, b := range s.Backends {
		if seen[b] {
			return fmt.Errorf("storage.backends lists %q twice", b)
		}
		seen[b] = true
		switch b {
		case "memory":
		case "postgres":
			if s.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when postgres is a backend")
			}
		case "mysql":
			if s.MySQL.DSN == "" {
				return fmt.Errorf("storage.mysql.dsn is required when mysql is a backend")
			}
		case "mongo":
			if s.Mongo.URI == "" || s.Mongo.Database == "" {
				return fmt.Errorf("storage.mongo.uri and storage.mongo.database are required when mongo is a backend")
			}
		default:
			return fmt.Errorf("unknown storage backend %q", b)
		}
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case "", "none", "memory":
	case "local":
		if a.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local archive")
		}
	case "gcs":
		if a.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs")
	}
	return nil
}
