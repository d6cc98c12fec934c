// Package config loads market engine configuration from YAML and the
// environment.
package config

import "time"

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Trade       TradeConfig       `yaml:"trade"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Stats       StatsConfig       `yaml:"stats"`
	Round       RoundConfig       `yaml:"round"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig enables the instrument cache and the Redis leaderboard.
// Only used with a database.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// TradeConfig tunes the executor's conflict retries.
type TradeConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// LeaderboardConfig holds the reconciliation sweep settings.
type LeaderboardConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// StatsConfig holds the stats aggregator settings.
type StatsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	QueueSize       int           `yaml:"queue_size"`
	Window          time.Duration `yaml:"window"`
	Retention       time.Duration `yaml:"retention"`
}

// RoundConfig controls the built-in agent trading rounds.
type RoundConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Interval     time.Duration `yaml:"interval"`
	RecentTrades int           `yaml:"recent_trades"`
	Seed         int64         `yaml:"seed"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}
