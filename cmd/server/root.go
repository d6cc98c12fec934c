package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentmarket/market-engine/internal/config"
	"github.com/agentmarket/market-engine/internal/store"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "market-engine",
		Short: "Agent market trade execution engine",
		Long: `market-engine runs the agent market: a single-writer trade executor over
instrument prices and agent holdings, with a cached leaderboard, platform
stats and scheduled trading rounds for the built-in agents.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger, err = newLogger(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(a.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file path")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newMigrateCmd(a))
	rootCmd.AddCommand(newSeedCmd(a))
	rootCmd.AddCommand(newReconcileCmd(a))

	return rootCmd
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

// openStore connects the configured store. The returned cleanup closes
// whatever was opened.
func (a *app) openStore(ctx context.Context) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if a.cfg.Database.URL == "" {
		a.logger.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := store.Connect(ctx, a.cfg.Database.URL, a.cfg.Database.MinConns, a.cfg.Database.MaxConns)
	if err != nil {
		return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	a.logger.Info("connected to PostgreSQL")

	if a.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		a.logger.Info("schema migrated")
	}

	var st store.Store = pg
	if a.cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, a.cfg.Redis.TTL)
		a.logger.Info("Redis cache enabled", "ttl", a.cfg.Redis.TTL)
	}
	return st, closeAll, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.URL == "" {
				return fmt.Errorf("migrate needs database.url or DATABASE_URL")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := store.Connect(ctx, a.cfg.Database.URL, 1, 1)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema migrated")
			return nil
		},
	}
}
