package leaderboard

import (
	"context"
	"testing"
	"time"
)

func TestReconciler_StartStop(t *testing.T) {
	s := fixture(t, 10, 500, "a")
	r := NewReconciler(NewBoard(s, nil), time.Hour, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The first sweep runs immediately, not after the interval.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.GetLeaderboardEntry(ctx, "a"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected an immediate sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestNewReconciler_DefaultInterval(t *testing.T) {
	r := NewReconciler(NewBoard(fixture(t, 10, 0), nil), 0, nil)
	if r.interval != DefaultInterval {
		t.Errorf("expected %s, got %s", DefaultInterval, r.interval)
	}
}
