// Package pricing implements the pressure price model: every BUY or SELL
// nudges an instrument's price by its size times a fixed volatility, and the
// result is clamped to [MinPrice, MaxPrice].
//
// The model is stateless and safe for concurrent use. All values use
// shopspring/decimal, never float64.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

var (
	// Volatility is the price move produced by one unit of net pressure.
	Volatility = decimal.NewFromFloat(0.5)

	// MinPrice is the lowest price an instrument can trade at.
	MinPrice = decimal.NewFromInt(1)

	// MaxPrice is the highest price an instrument can trade at.
	MaxPrice = decimal.NewFromInt(100)

	// PriceScale is the number of decimal places kept on computed prices.
	PriceScale int32 = 8
)

// NewPrice computes
//
//	clamp(current + (buyPressure − sellPressure) × Volatility, MinPrice, MaxPrice)
//
// Pressures are normalized trade sizes, not share counts.
func NewPrice(current, buyPressure, sellPressure decimal.Decimal) decimal.Decimal {
	net := buyPressure.Sub(sellPressure)
	next := current.Add(net.Mul(Volatility)).Round(PriceScale)
	return Clamp(next)
}

// Clamp bounds p to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// ForAction returns the price after an action of the given size. HOLD leaves
// the price unchanged.
func ForAction(action model.Action, current, size decimal.Decimal) decimal.Decimal {
	switch action {
	case model.ActionBuy:
		return NewPrice(current, size, decimal.Zero)
	case model.ActionSell:
		return NewPrice(current, decimal.Zero, size)
	}
	return current
}

// ChangePercent returns the relative move from oldPrice to newPrice in
// percent, rounded to two places. Zero when oldPrice is zero.
func ChangePercent(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100)).Round(2)
}
