// Package market lists instruments, registers agents, and answers the
// portfolio and price queries that sit beside the trade path.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/store"
)

var (
	// ErrInvalidName is returned for an instrument or agent name outside the
	// allowed length.
	ErrInvalidName = errors.New("market: invalid name")
)

const (
	MinInstrumentName = 2
	MaxInstrumentName = 100
	MaxAgentName      = 50

	// DefaultAvatar is used when an agent registers without one.
	DefaultAvatar = "🤖"

	// DefaultHistoryLimit bounds price history and trade queries that name no limit.
	DefaultHistoryLimit = 100
)

// Counter is notified of new instruments and agents. Calls must not block.
type Counter interface {
	RecordProfile() bool
	RecordAgent() bool
}

// Registry creates instruments and agents and serves read models over them.
type Registry struct {
	store  store.Store
	stats  Counter
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. stats may be nil.
func NewRegistry(s store.Store, stats Counter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		stats:  stats,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ListingRequest describes a new instrument.
type ListingRequest struct {
	Name           string `json:"name"`
	CreatorAgentID string `json:"creator_agent_id,omitempty"`
}

// ListInstrument creates an instrument at the initial price with the fixed
// share supply and records its first price point.
func (r *Registry) ListInstrument(ctx context.Context, req ListingRequest) (*model.Instrument, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < MinInstrumentName || n > MaxInstrumentName {
		return nil, fmt.Errorf("%w: instrument name must be %d to %d characters", ErrInvalidName, MinInstrumentName, MaxInstrumentName)
	}
	if req.CreatorAgentID != "" {
		if _, err := r.store.GetAgent(ctx, req.CreatorAgentID); err != nil {
			return nil, fmt.Errorf("creator %s: %w", req.CreatorAgentID, err)
		}
	}

	now := r.now()
	ins := &model.Instrument{
		ID:             uuid.New().String(),
		Name:           name,
		CreatorAgentID: req.CreatorAgentID,
		Price:          model.InitialPrice,
		TotalShares:    model.DefaultTotalShares,
		CreatedAt:      now,
	}
	if err := r.store.CreateInstrument(ctx, ins); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if err := r.store.AppendPricePoint(ctx, model.PricePoint{InstrumentID: ins.ID, Price: ins.Price, Timestamp: now}); err != nil {
		return nil, fmt.Errorf("record listing price: %w", err)
	}
	if r.stats != nil {
		r.stats.RecordProfile()
	}

	r.logger.Info("instrument listed",
		"id", ins.ID,
		"name", ins.Name,
		"creator", ins.CreatorAgentID,
	)
	return ins, nil
}

// AgentRequest describes a new agent. ID is optional; a random one is
// generated when empty.
type AgentRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	AvatarEmoji string `json:"avatar_emoji,omitempty"`
	BuiltIn     bool   `json:"built_in,omitempty"`
}

// RegisterAgent creates an agent with the starting balance and seeds its
// leaderboard entry at that balance.
func (r *Registry) RegisterAgent(ctx context.Context, req AgentRequest) (*model.Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxAgentName {
		name = string([]rune(name)[:MaxAgentName])
	}
	avatar := req.AvatarEmoji
	if avatar == "" {
		avatar = DefaultAvatar
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := r.now()
	agent := &model.Agent{
		ID:           id,
		Name:         name,
		AvatarEmoji:  avatar,
		BuiltIn:      req.BuiltIn,
		Enabled:      true,
		Balance:      model.StartingBalance,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	entry := &model.LeaderboardEntry{
		AgentID:        agent.ID,
		PortfolioValue: agent.Balance,
		AgentName:      agent.Name,
		AvatarEmoji:    agent.AvatarEmoji,
		Balance:        agent.Balance,
		BuiltIn:        agent.BuiltIn,
		LastUpdated:    now,
	}
	if err := r.store.PutLeaderboardEntry(ctx, entry); err != nil {
		// The reconciler creates the entry on its next sweep.
		r.logger.Warn("initial leaderboard entry failed", "agent", agent.ID, "err", err)
	}
	if r.stats != nil {
		r.stats.RecordAgent()
	}

	r.logger.Info("agent registered", "id", agent.ID, "name", agent.Name, "built_in", agent.BuiltIn)
	return agent, nil
}

// Instrument returns one instrument.
func (r *Registry) Instrument(ctx context.Context, id string) (*model.Instrument, error) {
	return r.store.GetInstrument(ctx, id)
}

// Instruments returns instruments newest first.
func (r *Registry) Instruments(ctx context.Context, limit int) ([]model.Instrument, error) {
	return r.store.ListInstruments(ctx, limit)
}

// Agent returns one agent.
func (r *Registry) Agent(ctx context.Context, id string) (*model.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// AgentHoldings returns the agent's non-zero holdings valued at current
// prices, largest position first.
func (r *Registry) AgentHoldings(ctx context.Context, agentID string) ([]model.HoldingValue, error) {
	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	holdings, err := r.store.ListHoldingsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	out := make([]model.HoldingValue, 0, len(holdings))
	for _, h := range holdings {
		hv := model.HoldingValue{
			InstrumentID:   h.InstrumentID,
			InstrumentName: "Unknown",
			Shares:         h.Shares,
			CurrentPrice:   decimal.Zero,
			CurrentValue:   decimal.Zero,
		}
		ins, err := r.store.GetInstrument(ctx, h.InstrumentID)
		switch {
		case err == nil:
			hv.InstrumentName = ins.Name
			hv.CurrentPrice = ins.Price
			hv.CurrentValue = ins.Price.Mul(decimal.NewFromInt(h.Shares))
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("instrument %s: %w", h.InstrumentID, err)
		}
		out = append(out, hv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentValue.GreaterThan(out[j].CurrentValue)
	})
	return out, nil
}

// PriceHistory returns the instrument's price points, newest first.
func (r *Registry) PriceHistory(ctx context.Context, instrumentID string, limit int) ([]model.PricePoint, error) {
	if _, err := r.store.GetInstrument(ctx, instrumentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.store.GetPriceHistory(ctx, instrumentID, limit)
}

// RecentTrades returns the latest trades, newest first.
func (r *Registry) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.store.ListRecentTrades(ctx, limit)
}

// InstrumentTrades returns the latest trades of one instrument.
func (r *Registry) InstrumentTrades(ctx context.Context, instrumentID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.store.ListTradesByInstrument(ctx, instrumentID, limit)
}

// AgentTrades returns the latest trades of one agent.
func (r *Registry) AgentTrades(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.store.ListTradesByAgent(ctx, agentID, limit)
}
