// Package config loads service configuration from an optional YAML file,
// an optional .env file, and environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Notify   NotifyConfig   `yaml:"notify"`
	Live     LiveConfig     `yaml:"live"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"` // mutating requests per second; 0 disables
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// DatabaseConfig selects the store. An empty URL means in-memory.
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// KafkaConfig enables notification events when Brokers is set.
type KafkaConfig struct {
	Brokers           string `yaml:"brokers"` // comma-separated
	NotificationTopic string `yaml:"notification_topic"`
}

// LedgerConfig tunes the transaction engine.
type LedgerConfig struct {
	StarterPoints int64         `yaml:"starter_points"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

// NotifyConfig sizes the notification outbox.
type NotifyConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LiveConfig bounds live subscriptions.
type LiveConfig struct {
	MaxBacklog int `yaml:"max_backlog"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// loads .env if present, then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_NOTIFICATION_TOPIC", &cfg.Kafka.NotificationTopic)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	var errs []error
	if v := os.Getenv("DATABASE_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("DATABASE_MIGRATE", err))
		cfg.Database.Migrate = b
	}
	if v := os.Getenv("STARTER_POINTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envErr("STARTER_POINTS", err))
		cfg.Ledger.StarterPoints = n
	}
	if v := os.Getenv("LEDGER_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("LEDGER_MAX_ATTEMPTS", err))
		cfg.Ledger.MaxAttempts = n
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr("RATE_LIMIT_RPS", err))
		cfg.Server.RateLimitRPS = f
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("CACHE_TTL", err))
		cfg.Redis.CacheTTL = d
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("config: %s: %w", key, err)
}

// setDefaults fills in anything left unset.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 5 * time.Minute
	}
	if cfg.Kafka.NotificationTopic == "" {
		cfg.Kafka.NotificationTopic = "wager_notifications"
	}
	if cfg.Ledger.StarterPoints <= 0 {
		cfg.Ledger.StarterPoints = 1000
	}
	if cfg.Ledger.MaxAttempts <= 0 {
		cfg.Ledger.MaxAttempts = 8
	}
	if cfg.Ledger.RetryBase <= 0 {
		cfg.Ledger.RetryBase = 25 * time.Millisecond
	}
	if cfg.Ledger.RetryMax <= 0 {
		cfg.Ledger.RetryMax = time.Second
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1024
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Live.MaxBacklog <= 0 {
		cfg.Live.MaxBacklog = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Logger builds the slog logger described by the config.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
