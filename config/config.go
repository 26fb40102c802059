// Package config loads RelayKit configuration from an optional TOML file
// with environment overrides, and validates it before use.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a TOML-friendly time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses "500ms", "10s" and friends.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full RelayKit configuration tree.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	HTTP    HTTPConfig    `toml:"http"`
	Retry   RetryConfig   `toml:"retry"`
	Breaker BreakerConfig `toml:"breaker"`
	Outbox  OutboxConfig  `toml:"outbox"`
	Inbox   InboxConfig   `toml:"inbox"`
	Saga    SagaConfig    `toml:"saga"`
	Mongo   MongoConfig   `toml:"mongo"`
	Redis   RedisConfig   `toml:"redis"`
	NATS    NATSConfig    `toml:"nats"`
	SQS     SQSConfig     `toml:"sqs"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level   string `toml:"level" validate:"oneof=trace debug info warn error"`
	Console bool   `toml:"console"`
}

// HTTPConfig controls the ops endpoint.
type HTTPConfig struct {
	Port int `toml:"port" validate:"gt=0,lte=65535"`
}

// RetryConfig is the default retry policy.
type RetryConfig struct {
	MaxRetries int      `toml:"max_retries" validate:"gte=0"`
	Base       Duration `toml:"base"`
	Multiplier float64  `toml:"multiplier" validate:"gte=1"`
	Cap        Duration `toml:"cap"`
	Jitter     float64  `toml:"jitter" validate:"gte=0,lte=1"`
}

// BreakerConfig is the default circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold     int      `toml:"failure_threshold" validate:"gt=0"`
	FailureRateThreshold float64  `toml:"failure_rate_threshold" validate:"gte=0,lte=1"`
	MinimumThroughput    int      `toml:"minimum_throughput" validate:"gte=0"`
	SamplingWindow       Duration `toml:"sampling_window"`
	BreakDuration        Duration `toml:"break_duration"`
	HalfOpenSuccesses    int      `toml:"half_open_successes" validate:"gt=0"`
}

// OutboxConfig controls the dispatcher.
type OutboxConfig struct {
	Enabled          bool     `toml:"enabled"`
	PollInterval     Duration `toml:"poll_interval"`
	BatchSize        int      `toml:"batch_size" validate:"gt=0"`
	Workers          int      `toml:"workers" validate:"gt=0"`
	MaxRetries       int      `toml:"max_retries" validate:"gte=0"`
	RatePerSecond    float64  `toml:"rate_per_second" validate:"gte=0"`
	StuckTimeout     Duration `toml:"stuck_timeout"`
	RecoveryInterval Duration `toml:"recovery_interval"`
	RetentionAge     Duration `toml:"retention_age"`
	CleanupInterval  Duration `toml:"cleanup_interval"`
}

// InboxConfig controls the deduplicator.
type InboxConfig struct {
	Window          Duration `toml:"window"`
	RetentionAge    Duration `toml:"retention_age"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// SagaConfig controls the timeout watcher.
type SagaConfig struct {
	SweepInterval  Duration `toml:"sweep_interval"`
	DefaultTimeout Duration `toml:"default_timeout"`
}

// MongoConfig connects the mongo-backed stores.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// RedisConfig connects the redis-backed inbox.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
}

// NATSConfig connects the NATS publisher.
type NATSConfig struct {
	URL      string `toml:"url"`
	Embedded bool   `toml:"embedded"`
}

// SQSConfig connects the SQS publisher.
type SQSConfig struct {
	Region   string `toml:"region"`
	QueueURL string `toml:"queue_url"`
	Endpoint string `toml:"endpoint"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Port: 8080},
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       Duration{time.Second},
			Multiplier: 2,
			Cap:        Duration{time.Minute},
		},
		Breaker: BreakerConfig{
			FailureThreshold:     5,
			FailureRateThreshold: 0.5,
			MinimumThroughput:    5,
			SamplingWindow:       Duration{time.Minute},
			BreakDuration:        Duration{30 * time.Second},
			HalfOpenSuccesses:    3,
		},
		Outbox: OutboxConfig{
			Enabled:          true,
			PollInterval:     Duration{time.Second},
			BatchSize:        100,
			Workers:          10,
			MaxRetries:       3,
			StuckTimeout:     Duration{5 * time.Minute},
			RecoveryInterval: Duration{time.Minute},
			RetentionAge:     Duration{24 * time.Hour},
			CleanupInterval:  Duration{time.Hour},
		},
		Inbox: InboxConfig{
			RetentionAge:    Duration{24 * time.Hour},
			CleanupInterval: Duration{time.Hour},
		},
		Saga: SagaConfig{
			SweepInterval: Duration{10 * time.Second},
		},
		// Backend addresses default to empty: an unconfigured daemon runs
		// fully in memory instead of failing to reach localhost services.
		Mongo: MongoConfig{Database: "relaykit"},
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// RELAYKIT_CONFIG (when set), then environment overrides, then validation.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAYKIT_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if os.Getenv("RELAYKIT_DEV") == "true" {
		cfg.Logging.Console = true
	}
	if v := getEnvInt("RELAYKIT_HTTP_PORT", 0); v > 0 {
		cfg.HTTP.Port = v
	}
	if v := getEnvDuration("RELAYKIT_OUTBOX_POLL_INTERVAL", 0); v > 0 {
		cfg.Outbox.PollInterval = Duration{v}
	}
	if v := getEnvInt("RELAYKIT_OUTBOX_BATCH_SIZE", 0); v > 0 {
		cfg.Outbox.BatchSize = v
	}
	if v := getEnvInt("RELAYKIT_OUTBOX_MAX_RETRIES", 0); v > 0 {
		cfg.Outbox.MaxRetries = v
	}
	if v := getEnvDuration("RELAYKIT_INBOX_WINDOW", 0); v > 0 {
		cfg.Inbox.Window = Duration{v}
	}
	if v := os.Getenv("RELAYKIT_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("RELAYKIT_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("RELAYKIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAYKIT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("RELAYKIT_SQS_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
	}
	if v := os.Getenv("RELAYKIT_SQS_REGION"); v != "" {
		cfg.SQS.Region = v
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
