package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the agent configuration. Durations are whole seconds.
type Config struct {
	Env          string             `yaml:"env" env:"APP_ENV" env-default:"local"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Backend      BackendConfig      `yaml:"backend"`
	Transport    TransportConfig    `yaml:"transport"`
	Queue        QueueConfig        `yaml:"queue"`
	Consent      ConsentConfig      `yaml:"consent"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
	Client       ClientConfig       `yaml:"client"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// StorageConfig selects where queue and consent state are persisted
type StorageConfig struct {
	Backend   string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"sqlite"` // sqlite, bolt, redis or memory
	Path      string `yaml:"path" env:"STORAGE_PATH" env-default:"./data/agent.db"`
	Namespace string `yaml:"namespace" env:"STORAGE_NAMESPACE" env-default:"consent-analytics"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url" env:"BACKEND_URL" env-default:"http://localhost:8080"`
	APIKey  string `yaml:"api_key" env:"BACKEND_API_KEY"`
	Timeout int    `yaml:"timeout" env:"BACKEND_TIMEOUT" env-default:"30"`
}

// TransportConfig selects the uploader
type TransportConfig struct {
	Type        string `yaml:"type" env:"TRANSPORT_TYPE" env-default:"http"` // http or sqs
	SQSQueueURL string `yaml:"sqs_queue_url" env:"SQS_QUEUE_URL"`
	SQSRegion   string `yaml:"sqs_region" env:"AWS_REGION" env-default:"us-east-1"`
}

type QueueConfig struct {
	MaxQueueSize    int `yaml:"max_queue_size" env:"QUEUE_MAX_SIZE" env-default:"100"`
	MaxBatchSize    int `yaml:"max_batch_size" env:"QUEUE_MAX_BATCH_SIZE" env-default:"10"`
	FlushInterval   int `yaml:"flush_interval" env:"QUEUE_FLUSH_INTERVAL" env-default:"10"`
	MaxRetries      int `yaml:"max_retries" env:"QUEUE_MAX_RETRIES" env-default:"3"`
	RetryBackoff    int `yaml:"retry_backoff" env:"QUEUE_RETRY_BACKOFF" env-default:"0"`
	MaxRetryBackoff int `yaml:"max_retry_backoff" env:"QUEUE_MAX_RETRY_BACKOFF" env-default:"300"`
}

type ConsentConfig struct {
	MaxHistoryEntries int    `yaml:"max_history_entries" env:"CONSENT_MAX_HISTORY" env-default:"50"`
	SyncInterval      int    `yaml:"sync_interval" env:"CONSENT_SYNC_INTERVAL" env-default:"30"`
	Resolution        string `yaml:"resolution" env:"CONSENT_RESOLUTION" env-default:"latest"`
	DisableCrossTab   bool   `yaml:"disable_cross_tab" env:"CONSENT_DISABLE_CROSS_TAB"`
}

type ConnectivityConfig struct {
	HealthInterval int `yaml:"health_interval" env:"HEALTH_INTERVAL" env-default:"15"`
}

// ServerConfig is the localhost control server for the browser extension
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled" env:"SERVER_ENABLED"`
	Port           int      `yaml:"port" env:"SERVER_PORT" env-default:"8765"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS" env-default:"*"`
	PageContextTTL int      `yaml:"page_context_ttl" env:"SERVER_PAGE_CONTEXT_TTL" env-default:"300"`
}

// ClientConfig describes the environment events are attributed to
type ClientConfig struct {
	UserAgent string `yaml:"user_agent" env:"CLIENT_USER_AGENT"`
	Locale    string `yaml:"locale" env:"CLIENT_LOCALE" env-default:"en-US"`
}

// LoadConfig reads the YAML file at path, then applies environment
// overrides. A missing file falls back to environment and defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and cross-field requirements
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "bolt", "redis", "memory":
	default:
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}

	switch c.Transport.Type {
	case "http":
	case "sqs":
		if c.Transport.SQSQueueURL == "" {
			return errors.New("sqs transport requires sqs_queue_url")
		}
	default:
		return fmt.Errorf("invalid transport type %q", c.Transport.Type)
	}

	switch c.Consent.Resolution {
	case "latest", "user-choice", "merge":
	default:
		return fmt.Errorf("invalid consent resolution %q", c.Consent.Resolution)
	}

	if c.Queue.MaxQueueSize <= 0 || c.Queue.MaxBatchSize <= 0 {
		return errors.New("queue sizes must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	return nil
}

// Seconds converts a configured whole-second value
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
