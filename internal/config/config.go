package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (DRIPLINE_DATABASE_DSN, ...)
const EnvPrefix = "DRIPLINE"

// Config is the main configuration structure
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Funnel    FunnelConfig    `yaml:"funnel"`
	Transport TransportConfig `yaml:"transport"`
	RateLimit RateLimitConfig `yaml:"rate_limit"` // Per-tenant send quotas
	Events    EventsConfig    `yaml:"events"`     // Outcome event stream
	Analytics AnalyticsConfig `yaml:"analytics"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"` // Prometheus metrics configuration
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the SQL store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3 or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchedulerConfig drives the cron sweeps and the worker pool
type SchedulerConfig struct {
	JobInterval      time.Duration `yaml:"job_interval"`      // Due-job sweep (default: 10s)
	DeliveryInterval time.Duration `yaml:"delivery_interval"` // Pending-delivery sweep (default: 5s)
	CampaignInterval time.Duration `yaml:"campaign_interval"` // Start due / complete finished campaigns (default: 30s)
	StaleInterval    time.Duration `yaml:"stale_interval"`    // Stale claim recovery (default: 1m)
	StaleAfter       time.Duration `yaml:"stale_after"`       // in_flight older than this is requeued (default: 10m)
	BatchSize        int           `yaml:"batch_size"`
	Workers          int           `yaml:"workers"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds in-process retries of temporary transport errors
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// FunnelConfig contains step definition limits
type FunnelConfig struct {
	MaxButtons int `yaml:"max_buttons"`
}

// TransportConfig selects the outbound sender
type TransportConfig struct {
	Type          string         `yaml:"type"` // telegram, webhook, dryrun
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Webhook       WebhookConfig  `yaml:"webhook"`
	DryRun        DryRunConfig   `yaml:"dry_run"`
}

// TelegramConfig contains Bot API settings
type TelegramConfig struct {
	Token       string            `yaml:"token"`        // Default bot token
	Tokens      map[string]string `yaml:"tokens"`       // tenant_id -> bot token
	APIEndpoint string            `yaml:"api_endpoint"` // Optional Bot API server override
}

// WebhookConfig contains HTTP relay settings
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// DryRunConfig contains settings for the logging sender
type DryRunConfig struct {
	FailureProbability float64 `yaml:"failure_probability"` // 0.0 to 1.0
}

// RateLimitConfig contains tenant quota settings
type RateLimitConfig struct {
	Enabled       bool                    `yaml:"enabled"`
	Path          string                  `yaml:"path"` // bbolt file for persisted counters
	FlushInterval time.Duration           `yaml:"flush_interval"`
	Global        *LimitValues            `yaml:"global,omitempty"`
	DefaultTenant *LimitValues            `yaml:"default_tenant,omitempty"`
	Tenants       map[string]*LimitValues `yaml:"tenants,omitempty"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// EventsConfig contains AMQP publishing settings
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
}

// AnalyticsConfig contains aggregator cache settings
type AnalyticsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`     // Default: :9090
	Path           string        `yaml:"path"`            // Default: /metrics
	UpdateInterval time.Duration `yaml:"update_interval"` // Backlog gauge refresh (default: 15s)
	AllowedIPs     []string      `yaml:"allowed_ips"`     // IPs/CIDRs allowed to scrape; empty allows all
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// envOverrides lists settings that may come from the environment
type envOverrides struct {
	DatabaseDriver string `envconfig:"DATABASE_DRIVER"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	WebhookURL     string `envconfig:"WEBHOOK_URL"`
	WebhookToken   string `envconfig:"WEBHOOK_TOKEN"`
	APIKey         string `envconfig:"API_KEY"`
	AMQPURL        string `envconfig:"AMQP_URL"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

// LoadDotEnv loads variables from a .env file if it exists
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with non-empty environment variables
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Database.Driver, env.DatabaseDriver)
	set(&c.Database.DSN, env.DatabaseDSN)
	set(&c.Transport.Telegram.Token, env.TelegramToken)
	set(&c.Transport.Webhook.URL, env.WebhookURL)
	set(&c.Transport.Webhook.Token, env.WebhookToken)
	set(&c.API.APIKey, env.APIKey)
	set(&c.Events.URL, env.AMQPURL)
	set(&c.Logging.Level, env.LogLevel)
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/dripline/dripline.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}

	s := &c.Scheduler
	if s.JobInterval == 0 {
		s.JobInterval = 10 * time.Second
	}
	if s.DeliveryInterval == 0 {
		s.DeliveryInterval = 5 * time.Second
	}
	if s.CampaignInterval == 0 {
		s.CampaignInterval = 30 * time.Second
	}
	if s.StaleInterval == 0 {
		s.StaleInterval = time.Minute
	}
	if s.StaleAfter == 0 {
		s.StaleAfter = 10 * time.Minute
	}
	if s.BatchSize == 0 {
		s.BatchSize = 100
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 3
	}
	if s.Retry.InitialBackoff == 0 {
		s.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if s.Retry.MaxBackoff == 0 {
		s.Retry.MaxBackoff = 10 * time.Second
	}

	if c.Funnel.MaxButtons == 0 {
		c.Funnel.MaxButtons = 3
	}

	if c.Transport.Type == "" {
		c.Transport.Type = "dryrun"
	}
	if c.Transport.RatePerSecond == 0 {
		c.Transport.RatePerSecond = 25
	}
	if c.Transport.Burst == 0 {
		c.Transport.Burst = 5
	}
	if c.Transport.Webhook.Timeout == 0 {
		c.Transport.Webhook.Timeout = 10 * time.Second
	}

	if c.RateLimit.Path == "" {
		c.RateLimit.Path = "/var/lib/dripline/ratelimit.db"
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Events.Queue == "" {
		c.Events.Queue = "dripline_outcomes"
	}

	if c.Analytics.CacheTTL == 0 {
		c.Analytics.CacheTTL = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == 0 {
		c.Metrics.UpdateInterval = 15 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Scheduler.BatchSize < 0 || c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.batch_size and scheduler.workers must be positive")
	}
	if c.Scheduler.Retry.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.retry.max_attempts must be at least 1")
	}

	if c.Funnel.MaxButtons < 0 {
		return fmt.Errorf("funnel.max_buttons must not be negative")
	}

	switch c.Transport.Type {
	case "telegram":
		if c.Transport.Telegram.Token == "" && len(c.Transport.Telegram.Tokens) == 0 {
			return fmt.Errorf("transport.telegram.token is required for telegram transport")
		}
	case "webhook":
		if c.Transport.Webhook.URL == "" {
			return fmt.Errorf("transport.webhook.url is required for webhook transport")
		}
	case "dryrun":
		p := c.Transport.DryRun.FailureProbability
		if p < 0 || p > 1 {
			return fmt.Errorf("transport.dry_run.failure_probability must be between 0 and 1")
		}
	default:
		return fmt.Errorf("invalid transport.type: %s (must be telegram, webhook, or dryrun)", c.Transport.Type)
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the API is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// TenantLimits returns the quota for a tenant, falling back to default_tenant
func (c *RateLimitConfig) TenantLimits(tenantID string) *LimitValues {
	if l, ok := c.Tenants[tenantID]; ok && l != nil {
		return l
	}
	return c.DefaultTenant
}
