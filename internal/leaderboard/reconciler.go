package leaderboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how often the reconciler sweeps when unconfigured.
const DefaultInterval = 30 * time.Second

// Reconciler runs Board.Reconcile on a fixed interval.
type Reconciler struct {
	board    *Board
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. A non-positive interval uses DefaultInterval.
func NewReconciler(board *Board, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		board:    board,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("leaderboard reconciler started", "interval", r.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("leaderboard reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reconciler) sweep() {
	report, err := r.board.Reconcile(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("leaderboard reconcile failed", "err", err)
		}
		return
	}
	r.logger.Info("leaderboard reconcile complete",
		"updated", report.Updated,
		"failed", report.Failed,
		"duration", report.Duration,
	)
}
