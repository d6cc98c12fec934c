package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentmarket/market-engine/internal/leaderboard"
	"github.com/agentmarket/market-engine/internal/market"
	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/round"
	"github.com/agentmarket/market-engine/internal/stats"
	"github.com/agentmarket/market-engine/internal/store"
	"github.com/agentmarket/market-engine/internal/trade"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background workers and trading rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// engine is the wired set of components behind the API.
type engine struct {
	store      store.Store
	board      *leaderboard.Board
	reconciler *leaderboard.Reconciler
	stats      *stats.Aggregator
	registry   *market.Registry
	hub        *trade.WSHub
	executor   *trade.Executor
	driver     *round.Driver
}

func (a *app) buildEngine(st store.Store) *engine {
	cfg := a.cfg
	e := &engine{store: st}

	e.board = leaderboard.NewBoard(st, a.logger)
	e.reconciler = leaderboard.NewReconciler(e.board, cfg.Leaderboard.ReconcileInterval, a.logger)
	e.stats = stats.New(stats.Config{
		Interval:  cfg.Stats.RefreshInterval,
		QueueSize: cfg.Stats.QueueSize,
		Window:    cfg.Stats.Window,
		Retention: cfg.Stats.Retention,
	}, st, a.logger)
	e.registry = market.NewRegistry(st, e.stats, a.logger)
	e.hub = trade.NewWSHub(a.logger)
	e.executor = trade.NewExecutor(st,
		trade.WithLeaderboard(e.board),
		trade.WithStats(e.stats),
		trade.WithBroadcaster(e.hub),
		trade.WithLogger(a.logger),
		trade.WithRetry(cfg.Trade.MaxAttempts, cfg.Trade.RetryBackoff),
	)

	if !cfg.Round.Disabled {
		e.driver = round.NewDriver(round.Config{
			Interval:     cfg.Round.Interval,
			RecentTrades: cfg.Round.RecentTrades,
		}, st, e.executor, round.NewHeuristicDecider(cfg.Round.Seed), a.logger)
	}
	return e
}

func (e *engine) router() http.Handler {
	svc := trade.NewService(e.store, e.executor, e.registry, e.board, e.stats, e.hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)
	return r
}

// start launches the background workers.
func (e *engine) start(ctx context.Context) error {
	if err := e.stats.Start(ctx); err != nil {
		return fmt.Errorf("start stats: %w", err)
	}
	if err := e.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	if e.driver != nil {
		if _, err := round.Seed(ctx, e.registry); err != nil {
			return err
		}
		if err := e.driver.Start(ctx); err != nil {
			return fmt.Errorf("start rounds: %w", err)
		}
	}
	return nil
}

// stop halts the workers, rounds first so no trade lands after the
// aggregator has drained.
func (e *engine) stop(ctx context.Context) error {
	var errs []error
	if e.driver != nil {
		errs = append(errs, e.driver.Stop(ctx))
	}
	errs = append(errs, e.reconciler.Stop(ctx), e.stats.Stop(ctx))
	return errors.Join(errs...)
}

func (a *app) serve(ctx context.Context) error {
	st, cleanup, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	e := a.buildEngine(st)
	if a.cfg.Round.Disabled {
		a.logger.Info("built-in agents disabled")
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:      e.router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := e.start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		e.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.logger.Info("market-engine listening", "port", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down market-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), e.stop(shutdownCtx))
	})

	err = g.Wait()
	a.logger.Info("market-engine stopped")
	return err
}
