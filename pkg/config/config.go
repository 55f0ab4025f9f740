// Package config provides the unified configuration system for the bridge.
// It defines a single Config structure loaded from YAML with environment
// overrides, organized into logical sections:
//   - Upstream: the ERP-facing API client settings
//   - Downstream: the planning-store client settings
//   - Database: metadata persistence
//   - Pipeline: batch sizes, worker pool, retry budgets
//   - Scheduler: background window evaluation
//   - Observability: logging and metrics
//
// Entity configuration (business keys, field mappings, parent references)
// lives in entity.go and is validated at load time so the normalization
// layers never see an invalid mapping.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	// Upstream configures the ERP-facing API client
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Downstream configures the planning-store client
	Downstream DownstreamConfig `yaml:"downstream" json:"downstream"`

	// Database configures metadata persistence
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Pipeline configures batch execution
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Scheduler configures the background scheduler loop
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Observability configures logging and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Entities holds the per-entity sync configuration
	Entities []EntityConfig `yaml:"entities" json:"entities"`
}

// UpstreamConfig configures the ERP-facing API client.
type UpstreamConfig struct {
	// BaseURL is the API root
	BaseURL string `yaml:"base_url" json:"base_url"`
	// TokenURL is the OAuth2 client-credentials token endpoint
	TokenURL string `yaml:"token_url" json:"token_url"`
	// ClientID and ClientSecret authenticate the bridge
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	// Scopes are requested with the token, if the ERP gateway uses them
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	// RequestTimeout bounds each fetch call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// MaxRetries bounds transient retries per fetch call
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryDelay is the base delay between fetch retries; doubles per attempt
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RateLimit caps requests per second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// RateBurst is the token-bucket burst size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
	// MaxConnsPerHost bounds the shared connection pool
	MaxConnsPerHost int `yaml:"max_conns_per_host" json:"max_conns_per_host"`
}

// DownstreamConfig configures the planning-store client.
type DownstreamConfig struct {
	// BaseURL is the store's API root
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKey authenticates the bridge to the store
	APIKey string `yaml:"api_key" json:"api_key"`
	// RequestTimeout bounds each call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// MaxConnsPerHost bounds the shared connection pool
	MaxConnsPerHost int `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	// LookupChunkSize caps how many key hashes go into one lookup call
	LookupChunkSize int `yaml:"lookup_chunk_size" json:"lookup_chunk_size"`
}

// DatabaseConfig configures the metadata store.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxConns bounds the pgx pool
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`
}

// PipelineConfig configures batch execution and retry budgets.
type PipelineConfig struct {
	// PageSize is the default fetch page size
	PageSize int `yaml:"page_size" json:"page_size"`
	// Workers is the size of the batch worker pool; pages within one
	// batch stay sequential, concurrency is across entities
	Workers int `yaml:"workers" json:"workers"`
	// FailedRecordMaxRetries is the dead-letter retry budget
	FailedRecordMaxRetries int `yaml:"failed_record_max_retries" json:"failed_record_max_retries"`
	// FailedRecordRetryBase is the first retry delay; doubles per attempt
	FailedRecordRetryBase time.Duration `yaml:"failed_record_retry_base" json:"failed_record_retry_base"`
	// PendingChildRetryBase is the first pending-child retry delay
	PendingChildRetryBase time.Duration `yaml:"pending_child_retry_base" json:"pending_child_retry_base"`
	// PendingChildRetryCap caps the pending-child backoff
	PendingChildRetryCap time.Duration `yaml:"pending_child_retry_cap" json:"pending_child_retry_cap"`
	// BatchRetryAttempts is how many times a batch-level call is retried
	// before the batch is marked failed
	BatchRetryAttempts int `yaml:"batch_retry_attempts" json:"batch_retry_attempts"`
	// BatchRetryDelay is the initial batch-level retry delay
	BatchRetryDelay time.Duration `yaml:"batch_retry_delay" json:"batch_retry_delay"`
}

// SchedulerConfig configures the background scheduler.
type SchedulerConfig struct {
	// Enabled turns the scheduler loop on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// TickInterval is how often schedules are evaluated
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	// RetryPassInterval is how often the failed-record and
	// pending-children retry passes run
	RetryPassInterval time.Duration `yaml:"retry_pass_interval" json:"retry_pass_interval"`
	// BatchRetentionDays is how long completed batches are kept
	BatchRetentionDays int `yaml:"batch_retention_days" json:"batch_retention_days"`
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Development switches to console encoding with colors
	Development bool `yaml:"development" json:"development"`
	// MetricsAddr is the Prometheus listen address ("" disables)
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default returns a Config with production-ready defaults. Endpoints and
// credentials must still be supplied.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			RequestTimeout:  30 * time.Second,
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			RateLimit:       50,
			RateBurst:       10,
			MaxConnsPerHost: 20,
		},
		Downstream: DownstreamConfig{
			RequestTimeout:  30 * time.Second,
			MaxConnsPerHost: 20,
			LookupChunkSize: 500,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Pipeline: PipelineConfig{
			PageSize:               1000,
			Workers:                4,
			FailedRecordMaxRetries: 3,
			FailedRecordRetryBase:  60 * time.Second,
			PendingChildRetryBase:  30 * time.Second,
			PendingChildRetryCap:   30 * time.Minute,
			BatchRetryAttempts:     3,
			BatchRetryDelay:        5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			TickInterval:       time.Minute,
			RetryPassInterval:  5 * time.Minute,
			BatchRetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsAddr: ":9090",
		},
	}
}

// Load reads a YAML config file on top of defaults and applies environment
// overrides for credentials.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so they stay out of
// config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("ERPBRIDGE_UPSTREAM_CLIENT_ID"); v != "" {
		c.Upstream.ClientID = v
	}
	if v := os.Getenv("ERPBRIDGE_UPSTREAM_CLIENT_SECRET"); v != "" {
		c.Upstream.ClientSecret = v
	}
	if v := os.Getenv("ERPBRIDGE_DOWNSTREAM_API_KEY"); v != "" {
		c.Downstream.APIKey = v
	}
	if v := os.Getenv("ERPBRIDGE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
}

// Validate checks required fields and value ranges. Configuration errors
// fail fast, before any batch starts.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.base_url is required")
	}
	if c.Pipeline.PageSize <= 0 {
		return fmt.Errorf("pipeline.page_size must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.FailedRecordMaxRetries < 0 {
		return fmt.Errorf("pipeline.failed_record_max_retries cannot be negative")
	}
	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		ec := &c.Entities[i]
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("entity %q: %w", ec.Name, err)
		}
		if seen[ec.Name] {
			return fmt.Errorf("duplicate entity %q", ec.Name)
		}
		seen[ec.Name] = true
	}
	return nil
}

// Entity returns the configuration for the named entity, or nil.
func (c *Config) Entity(name string) *EntityConfig {
	for i := range c.Entities {
		if c.Entities[i].Name == name {
			return &c.Entities[i]
		}
	}
	return nil
}
