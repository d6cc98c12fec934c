package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/agentmarket/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewPrice_BuyRaisesPrice(t *testing.T) {
	got := NewPrice(d(10), d(1), decimal.Zero)
	if !got.Equal(d(10.5)) {
		t.Errorf("expected 10.5, got %s", got)
	}
}

func TestNewPrice_SellLowersPrice(t *testing.T) {
	got := NewPrice(d(10), decimal.Zero, d(0.4))
	if !got.Equal(d(9.8)) {
		t.Errorf("expected 9.8, got %s", got)
	}
}

func TestNewPrice_NetPressure(t *testing.T) {
	got := NewPrice(d(20), d(0.6), d(0.2))
	if !got.Equal(d(20.2)) {
		t.Errorf("expected 20.2, got %s", got)
	}
}

func TestNewPrice_ClampedToBounds(t *testing.T) {
	tests := []struct {
		name      string
		current   float64
		buy, sell float64
		want      decimal.Decimal
	}{
		{"floor", 1.2, 0, 1, MinPrice},
		{"already at floor", 1, 0, 0.1, MinPrice},
		{"ceiling", 99.9, 1, 0, MaxPrice},
		{"already at ceiling", 100, 0.1, 0, MaxPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPrice(d(tt.current), d(tt.buy), d(tt.sell))
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestForAction(t *testing.T) {
	cur := d(10)
	if got := ForAction(model.ActionBuy, cur, d(1)); !got.Equal(d(10.5)) {
		t.Errorf("BUY: expected 10.5, got %s", got)
	}
	if got := ForAction(model.ActionSell, cur, d(1)); !got.Equal(d(9.5)) {
		t.Errorf("SELL: expected 9.5, got %s", got)
	}
	if got := ForAction(model.ActionHold, cur, d(1)); !got.Equal(cur) {
		t.Errorf("HOLD: expected unchanged price, got %s", got)
	}
}

func TestChangePercent(t *testing.T) {
	if got := ChangePercent(d(10), d(12)); !got.Equal(d(20)) {
		t.Errorf("expected 20%%, got %s", got)
	}
	if got := ChangePercent(d(10), d(9.5)); !got.Equal(d(-5)) {
		t.Errorf("expected -5%%, got %s", got)
	}
	if got := ChangePercent(decimal.Zero, d(5)); !got.IsZero() {
		t.Errorf("expected 0 for zero base, got %s", got)
	}
}

// Repeated extreme trades in either direction never leave the price band.
func TestProperty_PriceStaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		price := d(rapid.Float64Range(1, 100).Draw(t, "start"))
		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			size := d(rapid.Float64Range(0.1, 1.0).Draw(t, "size"))
			action := model.ActionBuy
			if rapid.Bool().Draw(t, "sell") {
				action = model.ActionSell
			}
			price = ForAction(action, price, size)
			if price.LessThan(MinPrice) || price.GreaterThan(MaxPrice) {
				t.Fatalf("price %s escaped [%s, %s]", price, MinPrice, MaxPrice)
			}
		}
	})
}
