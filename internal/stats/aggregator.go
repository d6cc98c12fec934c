// Package stats maintains the platform counters and the trailing-hour trade
// count.
//
// Trades are counted into per-minute buckets. The increment path is
// asynchronous and may drop work under load; the periodic refresh recomputes
// the window from the buckets, rebuilds them from the trade log when none
// exist, and resets the totals from the primary tables.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/store"
)

// Config holds aggregator configuration.
type Config struct {
	Interval  time.Duration // refresh interval (default: 60s)
	QueueSize int           // pending increments before drops (default: 1024)
	Window    time.Duration // rolling window (default: 1h)
	Retention time.Duration // bucket retention (default: 48h)
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		QueueSize: 1024,
		Window:    time.Hour,
		Retention: 48 * time.Hour,
	}
}

type eventKind string

const (
	eventTrade   eventKind = "trade"
	eventProfile eventKind = "profile"
	eventAgent   eventKind = "agent"
)

type event struct {
	kind eventKind
	at   time.Time
}

// Aggregator owns the stats increment queue and the refresh loop.
type Aggregator struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
	queue  chan event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an aggregator. Zero config fields take their defaults.
func New(cfg Config, s store.Store, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:    cfg,
		store:  s,
		logger: logger,
		queue:  make(chan event, cfg.QueueSize),
	}
}

// Record enqueues a trade increment for the minute containing at. It never
// blocks; false means the queue was full and the increment was dropped.
func (a *Aggregator) Record(at time.Time) bool {
	return a.enqueue(event{kind: eventTrade, at: at})
}

// RecordProfile enqueues a listed-instrument increment.
func (a *Aggregator) RecordProfile() bool {
	return a.enqueue(event{kind: eventProfile})
}

// RecordAgent enqueues a registered-agent increment.
func (a *Aggregator) RecordAgent() bool {
	return a.enqueue(event{kind: eventAgent})
}

func (a *Aggregator) enqueue(ev event) bool {
	select {
	case a.queue <- ev:
		return true
	default:
		metrics.StatsDropped.Inc()
		a.logger.Warn("stats queue full, increment dropped", "kind", ev.kind)
		return false
	}
}

func (a *Aggregator) apply(ctx context.Context, ev event) {
	var err error
	switch ev.kind {
	case eventTrade:
		err = a.store.IncrementTradeCounters(ctx, ev.at)
	case eventProfile:
		err = a.store.IncrementProfileCount(ctx)
	case eventAgent:
		err = a.store.IncrementAgentCount(ctx)
	}
	if err != nil {
		a.logger.Warn("stats increment failed", "kind", ev.kind, "err", err)
	}
}

// Refresh recomputes TradesLastHour for the window ending at now, backfilling
// the buckets from the trade log when the window has none, then resets the
// totals from the primary tables and deletes expired buckets.
func (a *Aggregator) Refresh(ctx context.Context, now time.Time) (*model.PlatformStats, error) {
	now = now.UTC()
	since := now.Add(-a.cfg.Window)

	buckets, err := a.store.ListTradeBuckets(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	if len(buckets) == 0 {
		buckets, err = a.backfill(ctx, since)
		if err != nil {
			return nil, err
		}
	}

	var window int64
	for _, b := range buckets {
		window += b.Count
	}

	st, err := a.store.GetPlatformStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	st.TradesLastHour = window
	st.TotalTrades = counts.Trades
	st.TotalProfiles = counts.Instruments
	st.TotalAgents = counts.Agents
	st.LastUpdated = now
	if err := a.store.SetPlatformStats(ctx, st); err != nil {
		return nil, fmt.Errorf("set stats: %w", err)
	}
	metrics.TradesLastHour.Set(float64(window))

	removed, err := a.store.DeleteTradeBucketsBefore(ctx, now.Add(-a.cfg.Retention))
	if err != nil {
		a.logger.Warn("stats bucket cleanup failed", "err", err)
	} else if removed > 0 {
		a.logger.Debug("stats buckets expired", "removed", removed)
	}

	return st, nil
}

// backfill rebuilds the window's buckets from the trade log. Only trades
// whose minute lies inside the window are counted.
func (a *Aggregator) backfill(ctx context.Context, since time.Time) ([]model.TradeBucket, error) {
	trades, err := a.store.ListTradesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("backfill: list trades: %w", err)
	}
	if len(trades) == 0 {
		return nil, nil
	}

	var buckets []model.TradeBucket
	index := make(map[time.Time]int)
	for _, t := range trades {
		minute := model.BucketMinute(t.CreatedAt)
		if !minute.After(since) {
			continue
		}
		i, ok := index[minute]
		if !ok {
			i = len(buckets)
			index[minute] = i
			buckets = append(buckets, model.TradeBucket{Minute: minute})
		}
		buckets[i].Count++
	}

	if err := a.store.ReplaceTradeBuckets(ctx, since, buckets); err != nil {
		return nil, fmt.Errorf("backfill: write buckets: %w", err)
	}
	metrics.StatsBackfills.Inc()
	a.logger.Info("stats window backfilled from trade log", "trades", len(trades), "buckets", len(buckets))
	return buckets, nil
}

// Stats returns the current counters.
func (a *Aggregator) Stats(ctx context.Context) (*model.PlatformStats, error) {
	return a.store.GetPlatformStats(ctx)
}

// Start launches the increment worker and the refresh loop. The first
// refresh runs immediately.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(2)
	go a.work()
	go a.run()

	a.logger.Info("stats aggregator started",
		"interval", a.cfg.Interval,
		"queue_size", a.cfg.QueueSize,
	)
	return nil
}

// Stop cancels both loops. Increments already queued are applied before
// the worker exits.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("stats aggregator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) work() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			return
		case ev := <-a.queue:
			a.apply(a.ctx, ev)
		}
	}
}

func (a *Aggregator) drain() {
	ctx := context.WithoutCancel(a.ctx)
	for {
		select {
		case ev := <-a.queue:
			a.apply(ctx, ev)
		default:
			return
		}
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.refresh()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

func (a *Aggregator) refresh() {
	st, err := a.Refresh(a.ctx, time.Now())
	if err != nil {
		if a.ctx.Err() == nil {
			a.logger.Error("stats refresh failed", "err", err)
		}
		return
	}
	a.logger.Debug("stats refresh complete",
		"total_trades", st.TotalTrades,
		"trades_last_hour", st.TradesLastHour,
	)
}
