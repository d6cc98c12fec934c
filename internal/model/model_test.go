package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestInstrument_ApplyTrade(t *testing.T) {
	ins := Instrument{ID: "p1", Price: d(10), TotalTrades: 4}
	ins.ApplyTrade(d(10.5))

	if !ins.Price.Equal(d(10.5)) {
		t.Errorf("expected price 10.5, got %s", ins.Price)
	}
	if ins.TotalTrades != 5 {
		t.Errorf("expected total_trades=5, got %d", ins.TotalTrades)
	}
}

func TestAgent_AdjustBalance(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Agent{ID: "a1", Balance: d(100)}

	if err := a.AdjustBalance(d(-40), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Balance.Equal(d(60)) {
		t.Errorf("expected balance 60, got %s", a.Balance)
	}
	if !a.LastActiveAt.Equal(now) {
		t.Errorf("expected last_active_at to be updated")
	}
}

func TestAgent_AdjustBalance_RejectsNegative(t *testing.T) {
	a := Agent{ID: "a1", Balance: d(10)}

	err := a.AdjustBalance(d(-10.01), time.Now())
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
	if !a.Balance.Equal(d(10)) {
		t.Errorf("balance must be unchanged on failure, got %s", a.Balance)
	}
}

func TestTrade_SharesDelta(t *testing.T) {
	tests := []struct {
		action Action
		want   int64
	}{
		{ActionBuy, 7},
		{ActionSell, -7},
		{ActionHold, 0},
	}
	for _, tt := range tests {
		tr := Trade{Action: tt.action, Shares: 7}
		if got := tr.SharesDelta(); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.action, tt.want, got)
		}
	}
}

func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{ActionBuy, ActionSell, ActionHold} {
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if Action("MAYBE").Valid() {
		t.Error("MAYBE should not be valid")
	}
}

func TestBucketMinute(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 34, 56, 789, time.FixedZone("X", 3600))
	got := BucketMinute(ts)
	want := time.Date(2026, 5, 1, 11, 34, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
