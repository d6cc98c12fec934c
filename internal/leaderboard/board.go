// Package leaderboard maintains the cached portfolio value of every agent.
//
// Two paths keep the cache current. The incremental path runs after each
// trade: holders of the traded instrument are shifted by shares × Δprice and
// the trader is recomputed exactly. The reconciliation sweep recomputes every
// agent from the ledger and corrects whatever drift the incremental path
// left behind.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/store"
)

const (
	// DefaultLimit is the page size when a query names none.
	DefaultLimit = 10

	// MaxLimit caps the page size of a single query.
	MaxLimit = 100
)

// ReconcileReport summarizes one full sweep.
type ReconcileReport struct {
	Updated  int
	Failed   int
	Duration time.Duration
}

// Board reads and writes leaderboard entries.
type Board struct {
	store  store.Store
	logger *slog.Logger
}

// NewBoard creates a board over the given store.
func NewBoard(s store.Store, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{store: s, logger: logger}
}

// ApplyPriceDelta shifts every holder of the instrument, except the trader,
// by shares × delta. A holder without an entry gets a full recompute instead.
// All holders are attempted; the errors are joined.
func (b *Board) ApplyPriceDelta(ctx context.Context, instrumentID string, delta decimal.Decimal, excludeAgentID string, at time.Time) error {
	if delta.IsZero() {
		return nil
	}

	holders, err := b.store.ListHoldingsByInstrument(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("list holders of %s: %w", instrumentID, err)
	}

	var errs []error
	for _, h := range holders {
		if h.AgentID == excludeAgentID {
			continue
		}
		change := decimal.NewFromInt(h.Shares).Mul(delta)
		err := b.store.AddPortfolioValue(ctx, h.AgentID, change, at)
		if errors.Is(err, store.ErrNotFound) {
			_, err = b.RecomputeAgent(ctx, h.AgentID, at)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("holder %s: %w", h.AgentID, err))
		}
	}
	return errors.Join(errs...)
}

// RecomputeAgent rebuilds one entry from the agent's balance and holdings
// marked at current prices.
func (b *Board) RecomputeAgent(ctx context.Context, agentID string, at time.Time) (*model.LeaderboardEntry, error) {
	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return b.recompute(ctx, agent, nil, at)
}

// recompute values the agent's holdings. prices, when given, is consulted
// before falling back to the store.
func (b *Board) recompute(ctx context.Context, agent *model.Agent, prices map[string]decimal.Decimal, at time.Time) (*model.LeaderboardEntry, error) {
	holdings, err := b.store.ListHoldingsByAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("list holdings of %s: %w", agent.ID, err)
	}

	value := agent.Balance
	for _, h := range holdings {
		price, ok := prices[h.InstrumentID]
		if !ok {
			ins, err := b.store.GetInstrument(ctx, h.InstrumentID)
			if err != nil {
				return nil, fmt.Errorf("price of %s: %w", h.InstrumentID, err)
			}
			price = ins.Price
		}
		value = value.Add(decimal.NewFromInt(h.Shares).Mul(price))
	}

	entry := &model.LeaderboardEntry{
		AgentID:        agent.ID,
		PortfolioValue: value,
		HoldingsCount:  len(holdings),
		AgentName:      agent.Name,
		AvatarEmoji:    agent.AvatarEmoji,
		Balance:        agent.Balance,
		BuiltIn:        agent.BuiltIn,
		LastUpdated:    at,
	}
	if err := b.store.PutLeaderboardEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reconcile recomputes every agent's entry. A failure for one agent is
// logged and counted; the sweep carries on. Running it twice without
// intervening trades gives identical entries apart from LastUpdated.
func (b *Board) Reconcile(ctx context.Context) (ReconcileReport, error) {
	start := time.Now()
	var report ReconcileReport

	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}

	prices := make(map[string]decimal.Decimal)
	instruments, err := b.store.ListInstruments(ctx, 0)
	if err != nil {
		b.logger.Warn("reconcile: price preload failed, reading per holding", "err", err)
	}
	for _, ins := range instruments {
		prices[ins.ID] = ins.Price
	}

	at := time.Now().UTC()
	for i := range agents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := b.recompute(ctx, &agents[i], prices, at); err != nil {
			report.Failed++
			metrics.ReconcileFailures.Inc()
			b.logger.Warn("reconcile: agent skipped", "agent", agents[i].ID, "err", err)
			continue
		}
		report.Updated++
	}

	report.Duration = time.Since(start)
	metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	return report, nil
}

// Top returns entries ordered by portfolio value, highest first.
func (b *Board) Top(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return b.store.TopLeaderboardEntries(ctx, NormalizeLimit(limit))
}

// Agent returns the agent's cached entry. An agent that has never been
// ranked gets a synthesized entry valued at its balance.
func (b *Board) Agent(ctx context.Context, agentID string) (*model.LeaderboardEntry, error) {
	entry, err := b.store.GetLeaderboardEntry(ctx, agentID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &model.LeaderboardEntry{
		AgentID:        agent.ID,
		PortfolioValue: agent.Balance,
		AgentName:      agent.Name,
		AvatarEmoji:    agent.AvatarEmoji,
		Balance:        agent.Balance,
		BuiltIn:        agent.BuiltIn,
		LastUpdated:    agent.LastActiveAt,
	}, nil
}

// NormalizeLimit applies the default and the cap.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
