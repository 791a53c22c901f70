// Package config loads docpipe runtime configuration from a file, DOCPIPE_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jdziat/docpipe/pkg/checkpoint/s3blob"
	"github.com/jdziat/docpipe/pkg/connect"
	"github.com/jdziat/docpipe/pkg/ingest"
	"github.com/jdziat/docpipe/pkg/retry"
)

// EnvPrefix prefixes every environment override, e.g. DOCPIPE_DATABASE_DSN.
const EnvPrefix = "DOCPIPE"

// Checkpoint blob backends.
const (
	BlobsDatabase = "database"
	BlobsBadger   = "badger"
	BlobsS3       = "s3"
)

// LLM providers for the bridge engine and embeddings.
const (
	ProviderNone      = ""
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration values.
type Config struct {
	Database    DatabaseConfig   `mapstructure:"database"`
	Checkpoints CheckpointConfig `mapstructure:"checkpoints"`
	Worker      WorkerConfig     `mapstructure:"worker"`
	Server      ServerConfig     `mapstructure:"server"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
	Retry       RetryConfig      `mapstructure:"retry"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Connections connect.Config   `mapstructure:"connections"`
}

// DatabaseConfig selects the job, checkpoint and chunk database and sizes its
// connection pool. Zero pool values keep the worker-derived defaults.
type DatabaseConfig struct {
	// DSN is a postgres:// URL or a SQLite path.
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CheckpointConfig chooses where checkpoint payloads live and how long they
// are kept.
type CheckpointConfig struct {
	// Blobs is one of database, badger or s3.
	Blobs     string        `mapstructure:"blobs"`
	BadgerDir string        `mapstructure:"badger_dir"`
	S3        s3blob.Config `mapstructure:"s3"`

	// Retention is how long checkpoints of terminal jobs are kept.
	Retention time.Duration `mapstructure:"retention"`

	// SweepSchedule is a duration ("1h") or cron expression. Empty disables
	// the sweeper.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// WorkerConfig tunes the job worker.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	Types        []string      `mapstructure:"types"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus collector and its refresh interval.
type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig sets the log level and an optional JSON log file.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// File, when set, receives a JSON copy of every record.
	File string `mapstructure:"file"`
}

// IngestConfig tunes document fetching, chunking and stage timeouts.
type IngestConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	MaxDocumentSize int64         `mapstructure:"max_document_size"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ReviewByDefault bool          `mapstructure:"review_by_default"`

	// StageTimeouts overrides the timeout of individual ingest stages, keyed
	// by stage name. Keys are matched case-insensitively.
	StageTimeouts map[string]time.Duration `mapstructure:"stage_timeouts"`
}

// RetryConfig is the backoff schedule for transient failures.
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Scheduler returns the schedule as a retry.Scheduler.
func (c RetryConfig) Scheduler() retry.Scheduler {
	return retry.Scheduler{Base: c.Base, Cap: c.Cap, MaxAttempts: c.MaxAttempts}
}

// LLMConfig selects the model provider behind the bridge engine and
// embeddings. An empty provider disables both.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
}

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "docpipe.db")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("checkpoints.blobs", BlobsDatabase)
	v.SetDefault("checkpoints.badger_dir", "checkpoints")
	v.SetDefault("checkpoints.retention", "168h")
	v.SetDefault("checkpoints.sweep_schedule", "1h")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.lease", "5m")
	v.SetDefault("worker.reap_interval", "30s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("ingest.chunk_size", 1200)
	v.SetDefault("ingest.max_document_size", 32<<20)
	v.SetDefault("ingest.fetch_timeout", "2m")
	v.SetDefault("ingest.review_by_default", false)
	v.SetDefault("ingest.stage_timeouts", map[string]string{})

	rs := retry.DefaultScheduler()
	v.SetDefault("retry.base", rs.Base.String())
	v.SetDefault("retry.cap", rs.Cap.String())
	v.SetDefault("retry.max_attempts", rs.MaxAttempts)

	v.SetDefault("llm.provider", ProviderNone)

	// Nested connection defaults let a file override one engine field
	// without restating the rest.
	def := connect.DefaultConfig()
	v.SetDefault("connections.scope", string(def.Scope))
	v.SetDefault("connections.batchsize", def.BatchSize)
	for name, ec := range def.Engines {
		prefix := "connections.engines." + name + "."
		v.SetDefault(prefix+"enabled", ec.Enabled)
		v.SetDefault(prefix+"weight", ec.Weight)
		v.SetDefault(prefix+"timeout", ec.Timeout.String())
		v.SetDefault(prefix+"maxcandidates", ec.MaxCandidates)
	}
}

// Validate checks cross-field constraints and normalizes the connection
// config.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	switch c.Checkpoints.Blobs {
	case BlobsDatabase:
	case BlobsBadger:
		if c.Checkpoints.BadgerDir == "" {
			return errors.New("config: checkpoints.badger_dir is required for badger blobs")
		}
	case BlobsS3:
		if c.Checkpoints.S3.Bucket == "" {
			return errors.New("config: checkpoints.s3.bucket is required for s3 blobs")
		}
	default:
		return fmt.Errorf("config: unknown checkpoints.blobs %q", c.Checkpoints.Blobs)
	}
	switch c.LLM.Provider {
	case ProviderNone, ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("config: unsupported llm.provider %q", c.LLM.Provider)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := c.Ingest.normalizeTimeouts(); err != nil {
		return err
	}
	if c.Retry.Base <= 0 {
		return errors.New("config: retry.base must be positive")
	}
	if c.Retry.Cap < c.Retry.Base {
		return errors.New("config: retry.cap must not be below retry.base")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("config: retry.max_attempts must not be negative")
	}
	if err := c.Connections.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// normalizeTimeouts rewrites StageTimeouts keys to ingest stage names.
// Viper lower-cases keys, so structuralMatch arrives as structuralmatch.
func (c *IngestConfig) normalizeTimeouts() error {
	if len(c.StageTimeouts) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.StageTimeouts))
	for key, d := range c.StageTimeouts {
		name := ""
		for _, stage := range ingest.StageNames() {
			if strings.EqualFold(key, stage) {
				name = stage
				break
			}
		}
		if name == "" {
			return fmt.Errorf("config: ingest.stage_timeouts: unknown stage %q", key)
		}
		if d <= 0 {
			return fmt.Errorf("config: ingest.stage_timeouts.%s must be positive", key)
		}
		out[name] = d
	}
	c.StageTimeouts = out
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
}
