package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agentmarket/market-engine/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_InstrumentReadThrough(t *testing.T) {
	s, _, mr := newCachedStore(t)
	ctx := context.Background()

	if err := s.CreateInstrument(ctx, &model.Instrument{ID: "p1", Name: "first", Price: d(10)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mr.Exists(instrumentKey("p1")) {
		t.Fatal("expected instrument to be cached on create")
	}

	ins, err := s.GetInstrument(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ins.Price.Equal(d(10)) {
		t.Errorf("expected price 10, got %s", ins.Price)
	}
}

func TestCachedStore_TxInvalidatesInstrument(t *testing.T) {
	s, _, mr := newCachedStore(t)
	ctx := context.Background()

	s.CreateInstrument(ctx, &model.Instrument{ID: "p1", Price: d(10)})
	s.GetInstrument(ctx, "p1")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockInstrument(ctx, "p1"); err != nil {
			return err
		}
		return tx.RecordInstrumentTrade(ctx, "p1", d(11))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if mr.Exists(instrumentKey("p1")) {
		t.Error("expected cached instrument to be dropped after the transaction")
	}

	ins, _ := s.GetInstrument(ctx, "p1")
	if !ins.Price.Equal(d(11)) {
		t.Errorf("expected fresh price 11, got %s", ins.Price)
	}
}

func TestCachedStore_LeaderboardNotFound(t *testing.T) {
	s, _, _ := newCachedStore(t)
	ctx := context.Background()

	if _, err := s.GetLeaderboardEntry(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.AddPortfolioValue(ctx, "nobody", d(1), time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCachedStore_LeaderboardRanking(t *testing.T) {
	s, _, _ := newCachedStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "a", AgentName: "Alpha", PortfolioValue: d(10000), Balance: d(10000)})
	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "b", AgentName: "Beta", PortfolioValue: d(12000)})
	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "c", AgentName: "Gamma", PortfolioValue: d(9000)})

	if err := s.AddPortfolioValue(ctx, "c", d(4000), now); err != nil {
		t.Fatalf("add: %v", err)
	}

	top, err := s.TopLeaderboardEntries(ctx, 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].AgentID != "c" || !top[0].PortfolioValue.Equal(d(13000)) {
		t.Errorf("expected c at 13000 first, got %s at %s", top[0].AgentID, top[0].PortfolioValue)
	}
	if top[1].AgentID != "b" {
		t.Errorf("expected b second, got %s", top[1].AgentID)
	}

	e, _ := s.GetLeaderboardEntry(ctx, "a")
	if e.AgentName != "Alpha" || !e.Balance.Equal(d(10000)) {
		t.Errorf("display fields not preserved: %+v", e)
	}
}

func TestCachedStore_ConcurrentIncrements(t *testing.T) {
	s, _, _ := newCachedStore(t)
	ctx := context.Background()

	s.PutLeaderboardEntry(ctx, &model.LeaderboardEntry{AgentID: "a", PortfolioValue: d(0)})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AddPortfolioValue(ctx, "a", d(5), time.Now()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	var failed int
	for err := range errs {
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		failed++
	}

	e, _ := s.GetLeaderboardEntry(ctx, "a")
	want := d(float64(5 * (n - failed)))
	if !e.PortfolioValue.Equal(want) {
		t.Errorf("expected %s after %d applied increments, got %s", want, n-failed, e.PortfolioValue)
	}
}
