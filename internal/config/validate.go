package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks that values are in range.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	if c.Database.MinConns < 0 {
		return errors.New("database.min_conns must be >= 0")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}

	if c.Trade.MaxAttempts < 1 {
		return errors.New("trade.max_attempts must be >= 1")
	}
	if c.Stats.QueueSize < 1 {
		return errors.New("stats.queue_size must be >= 1")
	}
	if c.Stats.Retention < c.Stats.Window {
		return fmt.Errorf("stats.retention (%s) cannot be shorter than stats.window (%s)", c.Stats.Retention, c.Stats.Window)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", l.Level)
}
