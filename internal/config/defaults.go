package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort              = 8080
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultRedisTTL          = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultRetryBackoff      = 10 * time.Millisecond
	DefaultReconcileInterval = 30 * time.Second
	DefaultStatsInterval     = 60 * time.Second
	DefaultStatsQueueSize    = 1024
	DefaultStatsWindow       = time.Hour
	DefaultStatsRetention    = 48 * time.Hour
	DefaultRoundInterval     = 30 * time.Second
	DefaultRecentTrades      = 5
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	if c.Trade.MaxAttempts == 0 {
		c.Trade.MaxAttempts = DefaultMaxAttempts
	}
	if c.Trade.RetryBackoff == 0 {
		c.Trade.RetryBackoff = DefaultRetryBackoff
	}

	if c.Leaderboard.ReconcileInterval == 0 {
		c.Leaderboard.ReconcileInterval = DefaultReconcileInterval
	}

	if c.Stats.RefreshInterval == 0 {
		c.Stats.RefreshInterval = DefaultStatsInterval
	}
	if c.Stats.QueueSize == 0 {
		c.Stats.QueueSize = DefaultStatsQueueSize
	}
	if c.Stats.Window == 0 {
		c.Stats.Window = DefaultStatsWindow
	}
	if c.Stats.Retention == 0 {
		c.Stats.Retention = DefaultStatsRetention
	}

	if c.Round.Interval == 0 {
		c.Round.Interval = DefaultRoundInterval
	}
	if c.Round.RecentTrades == 0 {
		c.Round.RecentTrades = DefaultRecentTrades
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
