// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Workers   WorkerConfig    `mapstructure:"workers"`
	Retention RetentionConfig `mapstructure:"retention"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// BrokerConfig selects and tunes the live event fan-out.
type BrokerConfig struct {
	// Kind is "memory" or "redis".
	Kind      string `mapstructure:"kind"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	SubBuffer int    `mapstructure:"sub_buffer"`
}

// PublishConfig tunes the dual-write pipeline.
type PublishConfig struct {
	ThrottleIntervalMs int `mapstructure:"throttle_interval_ms"`
	ThrottlePercent    int `mapstructure:"throttle_percent"`
	PublishTimeoutMs   int `mapstructure:"publish_timeout_ms"`
	AppendTimeoutMs    int `mapstructure:"append_timeout_ms"`
	CriticalRetries    int `mapstructure:"critical_retries"`
	RetryDelayMs       int `mapstructure:"retry_delay_ms"`
}

// WorkerConfig governs the execution pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// RetentionConfig controls the durable event log purge loop.
type RetentionConfig struct {
	MaxAgeHours     int `mapstructure:"max_age_hours"`
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// GatewayConfig tunes client-facing streaming.
type GatewayConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.redis_addr", "localhost:6379")
	v.SetDefault("broker.sub_buffer", 64)
	v.SetDefault("publish.throttle_interval_ms", 2000)
	v.SetDefault("publish.throttle_percent", 5)
	v.SetDefault("publish.publish_timeout_ms", 2000)
	v.SetDefault("publish.append_timeout_ms", 5000)
	v.SetDefault("publish.critical_retries", 3)
	v.SetDefault("publish.retry_delay_ms", 200)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.queue_depth", 256)
	v.SetDefault("retention.max_age_hours", 168)
	v.SetDefault("retention.interval_minutes", 60)
	v.SetDefault("gateway.heartbeat_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Workers.QueueDepth <= 0 {
		return fmt.Errorf("workers.queue_depth must be > 0")
	}
	switch c.Broker.Kind {
	case "memory":
	case "redis":
		if c.Broker.RedisAddr == "" {
			return fmt.Errorf("broker.redis_addr must be set for the redis broker")
		}
	default:
		return fmt.Errorf("broker.kind must be memory or redis")
	}
	if c.Publish.ThrottlePercent <= 0 || c.Publish.ThrottlePercent > 100 {
		return fmt.Errorf("publish.throttle_percent must be in (0, 100]")
	}
	if c.Publish.PublishTimeoutMs <= 0 || c.Publish.AppendTimeoutMs <= 0 {
		return fmt.Errorf("publish timeouts must be > 0")
	}
	if c.Retention.MaxAgeHours <= 0 {
		return fmt.Errorf("retention.max_age_hours must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ServerTimeout converts the request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// ThrottleInterval converts the publish throttle window into a duration.
func (c Config) ThrottleInterval() time.Duration {
	return time.Duration(c.Publish.ThrottleIntervalMs) * time.Millisecond
}

// PublishTimeout bounds one live broker publish.
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.Publish.PublishTimeoutMs) * time.Millisecond
}

// AppendTimeout bounds one durable event append.
func (c Config) AppendTimeout() time.Duration {
	return time.Duration(c.Publish.AppendTimeoutMs) * time.Millisecond
}

// RetryDelay is the base delay between critical append attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Publish.RetryDelayMs) * time.Millisecond
}

// RetentionMaxAge converts the retention cutoff into a duration.
func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// RetentionInterval converts the purge cadence into a duration.
func (c Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.IntervalMinutes) * time.Minute
}

// GatewayHeartbeat converts the SSE heartbeat cadence into a duration.
func (c Config) GatewayHeartbeat() time.Duration {
	return time.Duration(c.Gateway.HeartbeatSeconds) * time.Second
}
