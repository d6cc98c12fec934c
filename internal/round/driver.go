// Package round drives the house agents: on a fixed interval every enabled
// built-in agent looks at a few random instruments and trades on what its
// decider says.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/admission"
	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/store"
	"github.com/agentmarket/market-engine/internal/trade"
)

// Executor runs an admitted trade.
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (*trade.Result, error)
}

// Config holds driver configuration.
type Config struct {
	Interval     time.Duration // time between rounds (default: 30s)
	RecentTrades int           // trades shown to the decider (default: 5)
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		RecentTrades: 5,
	}
}

// Report summarizes one round.
type Report struct {
	Executed int
	Held     int
	Rejected int
	Failed   int
}

// Driver runs trading rounds.
type Driver struct {
	cfg     Config
	store   store.Store
	exec    Executor
	decider Decider
	checker *admission.Checker
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver creates a driver. Zero config fields take their defaults.
func NewDriver(cfg Config, s store.Store, exec Executor, decider Decider, logger *slog.Logger) *Driver {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = def.RecentTrades
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg,
		store:   s,
		exec:    exec,
		decider: decider,
		checker: admission.NewChecker(),
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunRound gives every enabled built-in agent its evaluations. Errors for
// one decision are logged and counted; the round carries on.
func (d *Driver) RunRound(ctx context.Context) (Report, error) {
	var report Report

	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}
	instruments, err := d.store.ListInstruments(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("list instruments: %w", err)
	}
	if len(instruments) == 0 {
		d.logger.Debug("trading round skipped, no instruments")
		return report, nil
	}
	recent, err := d.store.ListRecentTrades(ctx, d.cfg.RecentTrades)
	if err != nil {
		return report, fmt.Errorf("list recent trades: %w", err)
	}

	for _, agent := range agents {
		if !agent.BuiltIn || !agent.Enabled {
			continue
		}
		for _, ins := range d.sample(instruments, evaluations(agent.ID)) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			outcome := d.evaluate(ctx, agent, ins, recent)
			metrics.RoundDecisions.WithLabelValues(outcome).Inc()
			switch outcome {
			case "executed":
				report.Executed++
			case "hold":
				report.Held++
			case "rejected":
				report.Rejected++
			default:
				report.Failed++
			}
		}
	}
	return report, nil
}

func (d *Driver) evaluate(ctx context.Context, agent model.Agent, ins model.Instrument, recent []model.Trade) string {
	log := d.logger.With("agent", agent.ID, "instrument", ins.ID)

	b, _ := lookup(agent.ID)
	dec, err := d.decider.Decide(ctx, Input{Agent: agent, Persona: b.Persona, Instrument: ins, RecentTrades: recent})
	if err != nil {
		log.Warn("decision failed", "err", err)
		return "failed"
	}
	if dec.Action == model.ActionHold {
		return "hold"
	}

	reason, comment := admission.NormalizeText(dec.Reason, dec.Comment)
	sub := admission.Submission{
		Action:  dec.Action,
		Size:    d.checker.ClampSize(decimal.NullDecimal{Decimal: dec.Size, Valid: true}),
		Comment: comment,
	}
	if err := d.checker.CheckRequest(sub); err != nil {
		log.Info("decision rejected", "err", err)
		return "rejected"
	}

	// Earlier trades in this round have moved the balance and the price.
	fresh, err := d.store.GetAgent(ctx, agent.ID)
	if err != nil {
		log.Warn("reload agent failed", "err", err)
		return "failed"
	}
	current, err := d.store.GetInstrument(ctx, ins.ID)
	if err != nil {
		log.Warn("reload instrument failed", "err", err)
		return "failed"
	}
	held, err := d.store.GetHolding(ctx, agent.ID, ins.ID)
	if err != nil {
		log.Warn("load holding failed", "err", err)
		return "failed"
	}
	if err := d.checker.CheckState(sub, fresh, current, held); err != nil {
		log.Debug("decision rejected", "action", sub.Action, "err", err)
		return "rejected"
	}

	_, err = d.exec.Execute(ctx, trade.Request{
		AgentID:      agent.ID,
		InstrumentID: ins.ID,
		Action:       sub.Action,
		Size:         sub.Size,
		Reason:       reason,
		Comment:      comment,
	})
	if errors.Is(err, trade.ErrInvalidState) {
		log.Debug("trade rejected", "err", err)
		return "rejected"
	}
	if err != nil {
		log.Error("trade failed", "err", err)
		return "failed"
	}
	return "executed"
}

// sample returns up to n instruments in random order.
func (d *Driver) sample(instruments []model.Instrument, n int) []model.Instrument {
	if n > len(instruments) {
		n = len(instruments)
	}
	d.rngMu.Lock()
	perm := d.rng.Perm(len(instruments))
	d.rngMu.Unlock()

	out := make([]model.Instrument, n)
	for i := 0; i < n; i++ {
		out[i] = instruments[perm[i]]
	}
	return out
}

func evaluations(agentID string) int {
	if b, ok := lookup(agentID); ok && b.Evaluations > 0 {
		return b.Evaluations
	}
	return 1
}

// Start begins the round loop. The first round runs immediately.
func (d *Driver) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run()

	d.logger.Info("trading rounds started", "interval", d.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight round to finish.
func (d *Driver) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("trading rounds stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.round()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.round()
		}
	}
}

func (d *Driver) round() {
	report, err := d.RunRound(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Error("trading round failed", "err", err)
		}
		return
	}
	d.logger.Info("trading round complete",
		"executed", report.Executed,
		"held", report.Held,
		"rejected", report.Rejected,
		"failed", report.Failed,
	)
}
