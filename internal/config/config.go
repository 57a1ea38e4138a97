// Package config loads engine configuration from the environment, with an
// optional YAML overlay for deployments that ship a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0" yaml:"host"`
	Port            int           `env:"SERVER_PORT,default=8080" yaml:"port"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
	RatePerSecond   int           `env:"SERVER_RATE_PER_SECOND,default=25" yaml:"rate_per_second"`
	RateBurst       int           `env:"SERVER_RATE_BURST,default=50" yaml:"rate_burst"`
}

// DatabaseConfig controls the backing transactional store.
type DatabaseConfig struct {
	Driver          string `env:"DATABASE_DRIVER,default=postgres" yaml:"driver"`
	DSN             string `env:"DATABASE_URL" yaml:"dsn"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=20" yaml:"max_open_conns"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS,default=300" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig controls the optional weekly-series snapshot cache. An empty
// address disables the cache.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR" yaml:"addr"`
	Password string        `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int           `env:"REDIS_DB,default=0" yaml:"db"`
	TTL      time.Duration `env:"REDIS_TTL,default=10m" yaml:"ttl"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format string `env:"LOG_FORMAT,default=text" yaml:"format"`
}

// EngineConfig carries gameplay-economy tunables.
type EngineConfig struct {
	// AnchorTimezone is the fixed civil timezone for streak and weekly math.
	AnchorTimezone string `env:"ENGINE_ANCHOR_TIMEZONE,default=Europe/Berlin" yaml:"anchor_timezone"`
	// IdempotencyTTL bounds the lifetime of idempotency records.
	IdempotencyTTL time.Duration `env:"ENGINE_IDEMPOTENCY_TTL,default=24h" yaml:"idempotency_ttl"`
	// SweepSchedule is the cron spec for the idempotency record sweep.
	SweepSchedule string `env:"ENGINE_SWEEP_SCHEDULE,default=@every 1h" yaml:"sweep_schedule"`
	// BaseSessionXP is the reward for a completed mission before boosts.
	BaseSessionXP int64 `env:"ENGINE_BASE_SESSION_XP,default=50" yaml:"base_session_xp"`
	// SessionCoins is the coin reward for a completed mission.
	SessionCoins int64 `env:"ENGINE_SESSION_COINS,default=10" yaml:"session_coins"`
	// StreakBonusCoins is credited per completion on top of SessionCoins,
	// multiplied by the current streak length (capped).
	StreakBonusCoins int64 `env:"ENGINE_STREAK_BONUS_COINS,default=2" yaml:"streak_bonus_coins"`
	// StreakBonusCap caps the streak multiplier applied to StreakBonusCoins.
	StreakBonusCap int `env:"ENGINE_STREAK_BONUS_CAP,default=7" yaml:"streak_bonus_cap"`
}

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
}

// Load reads configuration from the environment. A .env file is honoured when
// present. When ENGINE_CONFIG_FILE points at a YAML file, its values are
// applied on top of the environment-derived config.
func Load() (*Config, error) {
	_ = godotenv.Load() // best effort; absence is not an error

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := os.Getenv("ENGINE_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile overlays values from a YAML file onto cfg.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks invariants that envdecode defaults cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Engine.AnchorTimezone == "" {
		return fmt.Errorf("anchor timezone is required")
	}
	if c.Engine.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency TTL must be positive")
	}
	if c.Engine.BaseSessionXP < 0 || c.Engine.SessionCoins < 0 {
		return fmt.Errorf("session rewards cannot be negative")
	}
	return nil
}
