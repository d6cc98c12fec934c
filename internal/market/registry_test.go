package market

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type countingStats struct {
	profiles, agents int
}

func (c *countingStats) RecordProfile() bool { c.profiles++; return true }
func (c *countingStats) RecordAgent() bool   { c.agents++; return true }

func TestListInstrument(t *testing.T) {
	s := store.NewMemoryStore()
	stats := &countingStats{}
	r := NewRegistry(s, stats, nil)
	ctx := context.Background()

	ins, err := r.ListInstrument(ctx, ListingRequest{Name: "  Ada Lovelace  "})
	if err != nil {
		t.Fatalf("list instrument: %v", err)
	}
	if ins.Name != "Ada Lovelace" {
		t.Errorf("expected trimmed name, got %q", ins.Name)
	}
	if !ins.Price.Equal(d(10)) || ins.TotalShares != 100000 || ins.TotalTrades != 0 {
		t.Errorf("unexpected listing defaults: %+v", ins)
	}

	history, _ := r.PriceHistory(ctx, ins.ID, 0)
	if len(history) != 1 || !history[0].Price.Equal(d(10)) {
		t.Errorf("expected the listing price point, got %+v", history)
	}
	if stats.profiles != 1 {
		t.Errorf("expected one profile increment, got %d", stats.profiles)
	}
}

func TestListInstrument_Validation(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ListingRequest
		want error
	}{
		{"too short", ListingRequest{Name: "x"}, ErrInvalidName},
		{"blank", ListingRequest{Name: "   "}, ErrInvalidName},
		{"too long", ListingRequest{Name: strings.Repeat("a", 101)}, ErrInvalidName},
		{"unknown creator", ListingRequest{Name: "Valid", CreatorAgentID: "ghost"}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.ListInstrument(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRegisterAgent(t *testing.T) {
	s := store.NewMemoryStore()
	stats := &countingStats{}
	r := NewRegistry(s, stats, nil)
	ctx := context.Background()

	agent, err := r.RegisterAgent(ctx, AgentRequest{Name: strings.Repeat("n", 60)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(agent.Name) != MaxAgentName {
		t.Errorf("expected name truncated to %d, got %d", MaxAgentName, len(agent.Name))
	}
	if agent.AvatarEmoji != DefaultAvatar || !agent.Enabled || !agent.Balance.Equal(d(10000)) {
		t.Errorf("unexpected agent defaults: %+v", agent)
	}

	entry, err := s.GetLeaderboardEntry(ctx, agent.ID)
	if err != nil {
		t.Fatalf("expected leaderboard entry: %v", err)
	}
	if !entry.PortfolioValue.Equal(d(10000)) || entry.HoldingsCount != 0 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if stats.agents != 1 {
		t.Errorf("expected one agent increment, got %d", stats.agents)
	}

	if _, err := r.RegisterAgent(ctx, AgentRequest{Name: ""}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if _, err := r.RegisterAgent(ctx, AgentRequest{ID: agent.ID, Name: "dup"}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAgentHoldings(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewRegistry(s, nil, nil)
	ctx := context.Background()

	agent, _ := r.RegisterAgent(ctx, AgentRequest{ID: "a", Name: "Trader"})
	cheap, _ := r.ListInstrument(ctx, ListingRequest{Name: "Cheap"})
	big, _ := r.ListInstrument(ctx, ListingRequest{Name: "Big"})

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAgent(ctx, agent.ID); err != nil {
			return err
		}
		if _, _, err := tx.ApplyHoldingDelta(ctx, agent.ID, cheap.ID, 5); err != nil {
			return err
		}
		_, _, err := tx.ApplyHoldingDelta(ctx, agent.ID, big.ID, 50)
		return err
	})
	if err != nil {
		t.Fatalf("seed holdings: %v", err)
	}

	holdings, err := r.AgentHoldings(ctx, agent.ID)
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %+v", holdings)
	}
	if holdings[0].InstrumentName != "Big" || !holdings[0].CurrentValue.Equal(d(500)) {
		t.Errorf("expected the larger position first, got %+v", holdings[0])
	}
	if holdings[1].Shares != 5 || !holdings[1].CurrentPrice.Equal(d(10)) {
		t.Errorf("unexpected second holding: %+v", holdings[1])
	}

	if _, err := r.AgentHoldings(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPriceHistory_UnknownInstrument(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, nil)
	if _, err := r.PriceHistory(context.Background(), "missing", 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentTrades_Empty(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, nil)
	trades, err := r.RecentTrades(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}
}

var _ Counter = (*countingStats)(nil)
