package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr          string `env:"DRIFT_ADDR" envDefault:":3002"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Capacity
	MaxConnections int `env:"DRIFT_MAX_CONNECTIONS" envDefault:"5000"`

	// Matching pipeline
	QueueTimeout         time.Duration `env:"QUEUE_TIMEOUT" envDefault:"60s"`
	MatchInterval        time.Duration `env:"MATCH_INTERVAL" envDefault:"2s"`
	QueueCleanupInterval time.Duration `env:"QUEUE_CLEANUP_INTERVAL" envDefault:"10s"`
	PairLockTTL          time.Duration `env:"PAIR_LOCK_TTL" envDefault:"5s"`

	// Sessions
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	MaxSessionDuration     time.Duration `env:"MAX_SESSION_DURATION" envDefault:"1h"`
	SessionLockTTL         time.Duration `env:"SESSION_LOCK_TTL" envDefault:"3s"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"5m"`

	// Fleet
	InstanceTTL       time.Duration `env:"INSTANCE_TTL" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`

	// Admission thresholds
	CPURejectThreshold float64 `env:"DRIFT_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	MemRejectThreshold float64 `env:"DRIFT_MEM_REJECT_THRESHOLD" envDefault:"85.0"`

	// Rate limiting
	ConnectsPerMinPerIP int `env:"RATE_WS_CONNECT" envDefault:"10"`
	MessagesPerSec      int `env:"RATE_WS_MSG" envDefault:"20"`
	QueueJoinsPer5s     int `env:"RATE_QUEUE_JOIN" envDefault:"3"`

	// Shutdown
	ShutdownGrace time.Duration `env:"DRIFT_SHUTDOWN_GRACE" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// the only source.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("DRIFT_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("DRIFT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("DRIFT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemRejectThreshold < 0 || c.MemRejectThreshold > 100 {
		return fmt.Errorf("DRIFT_MEM_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemRejectThreshold)
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("QUEUE_TIMEOUT must be positive, got %s", c.QueueTimeout)
	}
	if c.MatchInterval <= 0 {
		return fmt.Errorf("MATCH_INTERVAL must be positive, got %s", c.MatchInterval)
	}
	if c.MaxSessionDuration > c.SessionTTL {
		return fmt.Errorf("MAX_SESSION_DURATION (%s) must not exceed SESSION_TTL (%s)",
			c.MaxSessionDuration, c.SessionTTL)
	}
	if c.HeartbeatInterval >= c.InstanceTTL {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be < INSTANCE_TTL (%s)",
			c.HeartbeatInterval, c.InstanceTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Dur("queue_timeout", c.QueueTimeout).
		Dur("match_interval", c.MatchInterval).
		Dur("queue_cleanup_interval", c.QueueCleanupInterval).
		Dur("session_ttl", c.SessionTTL).
		Dur("max_session_duration", c.MaxSessionDuration).
		Dur("instance_ttl", c.InstanceTTL).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("mem_reject_threshold", c.MemRejectThreshold).
		Int("rate_ws_msg", c.MessagesPerSec).
		Int("rate_queue_join", c.QueueJoinsPer5s).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
