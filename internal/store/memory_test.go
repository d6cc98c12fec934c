package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateInstrument(ctx, &model.Instrument{ID: "p1", Price: d(10), TotalShares: 100000, CreatedAt: now}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	if err := s.CreateAgent(ctx, &model.Agent{ID: "a1", Balance: d(10000), CreatedAt: now}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetInstrument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for instrument, got %v", err)
	}
	if _, err := s.GetAgent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for agent, got %v", err)
	}
	if _, err := s.GetLeaderboardEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for leaderboard entry, got %v", err)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)

	err := s.CreateInstrument(context.Background(), &model.Instrument{ID: "p1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_TxCommit(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockInstrument(ctx, "p1"); err != nil {
			return err
		}
		if _, err := tx.LockAgent(ctx, "a1"); err != nil {
			return err
		}
		if _, _, err := tx.ApplyHoldingDelta(ctx, "a1", "p1", 100); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{ID: "t1", AgentID: "a1", InstrumentID: "p1", Action: model.ActionBuy, Shares: 100, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.AppendPricePoint(ctx, model.PricePoint{InstrumentID: "p1", Price: d(10.5), Timestamp: now}); err != nil {
			return err
		}
		if err := tx.RecordInstrumentTrade(ctx, "p1", d(10.5)); err != nil {
			return err
		}
		return tx.AdjustAgentBalance(ctx, "a1", d(-1000), now)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	ins, _ := s.GetInstrument(ctx, "p1")
	if !ins.Price.Equal(d(10.5)) || ins.TotalTrades != 1 {
		t.Errorf("unexpected instrument state: price=%s trades=%d", ins.Price, ins.TotalTrades)
	}
	agent, _ := s.GetAgent(ctx, "a1")
	if !agent.Balance.Equal(d(9000)) {
		t.Errorf("expected balance 9000, got %s", agent.Balance)
	}
	if shares, _ := s.GetHolding(ctx, "a1", "p1"); shares != 100 {
		t.Errorf("expected 100 shares, got %d", shares)
	}
	trades, _ := s.ListRecentTrades(ctx, 10)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
	history, _ := s.GetPriceHistory(ctx, "p1", 0)
	if len(history) != 1 {
		t.Errorf("expected 1 price point, got %d", len(history))
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		tx.LockInstrument(ctx, "p1")
		tx.LockAgent(ctx, "a1")
		tx.ApplyHoldingDelta(ctx, "a1", "p1", 50)
		tx.InsertTrade(ctx, &model.Trade{ID: "t1", AgentID: "a1", InstrumentID: "p1"})
		tx.RecordInstrumentTrade(ctx, "p1", d(42))
		tx.AdjustAgentBalance(ctx, "a1", d(-500), time.Now())
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ins, _ := s.GetInstrument(ctx, "p1")
	if !ins.Price.Equal(d(10)) || ins.TotalTrades != 0 {
		t.Errorf("instrument must be unchanged after rollback: price=%s trades=%d", ins.Price, ins.TotalTrades)
	}
	agent, _ := s.GetAgent(ctx, "a1")
	if !agent.Balance.Equal(d(10000)) {
		t.Errorf("balance must be unchanged after rollback, got %s", agent.Balance)
	}
	if shares, _ := s.GetHolding(ctx, "a1", "p1"); shares != 0 {
		t.Errorf("holding must not exist after rollback, got %d", shares)
	}
	if trades, _ := s.ListRecentTrades(ctx, 0); len(trades) != 0 {
		t.Errorf("trade log must be empty after rollback, got %d", len(trades))
	}
}

func TestMemoryStore_HoldingFloorAndDelete(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	apply := func(delta int64) (int64, bool) {
		t.Helper()
		var shares int64
		var floored bool
		err := s.InTx(ctx, func(tx Tx) error {
			tx.LockInstrument(ctx, "p1")
			tx.LockAgent(ctx, "a1")
			var err error
			shares, floored, err = tx.ApplyHoldingDelta(ctx, "a1", "p1", delta)
			return err
		})
		if err != nil {
			t.Fatalf("apply %d: %v", delta, err)
		}
		return shares, floored
	}

	if shares, _ := apply(-5); shares != 0 {
		t.Errorf("negative delta on a missing row must be a no-op, got %d", shares)
	}
	if holdings, _ := s.ListHoldingsByAgent(ctx, "a1"); len(holdings) != 0 {
		t.Errorf("no row expected, got %v", holdings)
	}

	if shares, _ := apply(10); shares != 10 {
		t.Errorf("expected 10 shares, got %d", shares)
	}
	shares, floored := apply(-25)
	if shares != 0 || !floored {
		t.Errorf("expected floor to 0, got shares=%d floored=%v", shares, floored)
	}
	if holdings, _ := s.ListHoldingsByInstrument(ctx, "p1"); len(holdings) != 0 {
		t.Errorf("zero rows must be deleted, got %v", holdings)
	}
}

func TestMemoryStore_TxSerializesSameInstrument(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.InTx(ctx, func(tx Tx) error {
				ins, err := tx.LockInstrument(ctx, "p1")
				if err != nil {
					return err
				}
				return tx.RecordInstrumentTrade(ctx, "p1", ins.Price.Add(d(1)))
			})
		}()
	}
	wg.Wait()

	ins, _ := s.GetInstrument(ctx, "p1")
	if !ins.Price.Equal(d(10 + workers)) {
		t.Errorf("lost update: expected price %d, got %s", 10+workers, ins.Price)
	}
	if ins.TotalTrades != workers {
		t.Errorf("expected %d trades, got %d", workers, ins.TotalTrades)
	}
}

func TestMemoryStore_LeaderboardOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "a", PortfolioValue: d(100)})
	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "b", PortfolioValue: d(300)})
	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "c", PortfolioValue: d(100)})

	if err := s.AddPortfolioValue(ctx, "a", d(50), now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddPortfolioValue(ctx, "missing", d(1), now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	top, _ := s.TopLeaderboardEntries(ctx, 10)
	want := []string{"b", "a", "c"}
	if len(top) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(top))
	}
	for i, id := range want {
		if top[i].AgentID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, top[i].AgentID)
		}
	}

	// Ties keep insertion order.
	s.AddPortfolioValue(ctx, "c", d(50), now)
	top, _ = s.TopLeaderboardEntries(ctx, 2)
	if top[1].AgentID != "a" {
		t.Errorf("tie should keep insertion order, got %s", top[1].AgentID)
	}
}

func TestMemoryStore_StatsAndBuckets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st, _ := s.GetPlatformStats(ctx)
	if st.TotalTrades != 0 {
		t.Fatalf("lazily created stats must start at zero")
	}

	s.IncrementTradeCounters(ctx, base.Add(10*time.Second))
	s.IncrementTradeCounters(ctx, base.Add(50*time.Second))
	s.IncrementTradeCounters(ctx, base.Add(70*time.Second))
	s.IncrementProfileCount(ctx)
	s.IncrementAgentCount(ctx)

	st, _ = s.GetPlatformStats(ctx)
	if st.TotalTrades != 3 || st.TradesLastHour != 3 || st.TotalProfiles != 1 || st.TotalAgents != 1 {
		t.Errorf("unexpected counters: %+v", st)
	}

	buckets, _ := s.ListTradeBuckets(ctx, base.Add(-time.Minute))
	if len(buckets) != 2 || buckets[0].Count != 2 || buckets[1].Count != 1 {
		t.Errorf("unexpected buckets: %+v", buckets)
	}

	n, _ := s.DeleteTradeBucketsBefore(ctx, base.Add(time.Minute))
	if n != 1 {
		t.Errorf("expected 1 bucket deleted, got %d", n)
	}

	s.ReplaceTradeBuckets(ctx, base.Add(-time.Hour), []model.TradeBucket{{Minute: base, Count: 9}})
	buckets, _ = s.ListTradeBuckets(ctx, base.Add(-time.Hour))
	if len(buckets) != 1 || buckets[0].Count != 9 {
		t.Errorf("unexpected buckets after replace: %+v", buckets)
	}
}
