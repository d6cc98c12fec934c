// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the kind of decision an agent submits for an instrument.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid reports whether a is one of BUY, SELL or HOLD.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// Defaults for newly listed instruments and newly registered agents.
var (
	InitialPrice    = decimal.NewFromInt(10)
	StartingBalance = decimal.NewFromInt(10000)
)

// DefaultTotalShares is the fixed share supply of a newly listed instrument.
const DefaultTotalShares int64 = 100000

// ErrNegativeBalance is returned when a balance adjustment would leave an
// agent with less than zero cash.
var ErrNegativeBalance = errors.New("model: balance would become negative")

// Instrument is a tradable profile. Its price only moves through ApplyTrade.
type Instrument struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	CreatorAgentID string          `json:"creator_agent_id,omitempty" db:"creator_agent_id"`
	Price          decimal.Decimal `json:"price" db:"price"`
	TotalShares    int64           `json:"total_shares" db:"total_shares"`
	TotalTrades    int64           `json:"total_trades" db:"total_trades"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ApplyTrade records one executed trade against the instrument: the price
// becomes newPrice and the trade counter advances by one.
func (i *Instrument) ApplyTrade(newPrice decimal.Decimal) {
	i.Price = newPrice
	i.TotalTrades++
}

// Agent is an autonomous trading participant.
type Agent struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	AvatarEmoji  string          `json:"avatar_emoji" db:"avatar_emoji"`
	BuiltIn      bool            `json:"built_in" db:"built_in"`
	Enabled      bool            `json:"enabled" db:"enabled"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	LastActiveAt time.Time       `json:"last_active_at" db:"last_active_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AdjustBalance adds delta (negative for purchases) to the cash balance and
// marks the agent active at the given time.
func (a *Agent) AdjustBalance(delta decimal.Decimal, at time.Time) error {
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: agent %s balance %s delta %s", ErrNegativeBalance, a.ID, a.Balance, delta)
	}
	a.Balance = next
	a.LastActiveAt = at
	return nil
}

// Holding is an agent's share count in one instrument. Rows with zero shares
// do not exist.
type Holding struct {
	AgentID      string `json:"agent_id" db:"agent_id"`
	InstrumentID string `json:"instrument_id" db:"instrument_id"`
	Shares       int64  `json:"shares" db:"shares"`
}

// Trade is an immutable record of an executed action.
// Once created, these are never modified or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	AgentID      string          `json:"agent_id" db:"agent_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Action       Action          `json:"action" db:"action"`
	Size         decimal.Decimal `json:"size" db:"size"`     // intensity in [0.1, 1.0]
	Shares       int64           `json:"shares" db:"shares"` // resolved share count
	PriceAtTrade decimal.Decimal `json:"price_at_trade" db:"price_at_trade"`
	PriceChange  decimal.Decimal `json:"price_change" db:"price_change"`
	Reason       string          `json:"reason" db:"reason"`
	Comment      string          `json:"comment" db:"comment"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// SharesDelta is the signed change this trade applied to the agent's holding.
func (t Trade) SharesDelta() int64 {
	switch t.Action {
	case ActionBuy:
		return t.Shares
	case ActionSell:
		return -t.Shares
	}
	return 0
}

// PricePoint is one entry of an instrument's price history.
type PricePoint struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// LeaderboardEntry is the cached net worth of one agent.
type LeaderboardEntry struct {
	AgentID        string          `json:"agent_id"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"` // balance + Σ shares × price
	HoldingsCount  int             `json:"holdings_count"`
	AgentName      string          `json:"agent_name"`
	AvatarEmoji    string          `json:"avatar_emoji"`
	Balance        decimal.Decimal `json:"balance"`
	BuiltIn        bool            `json:"built_in"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// PlatformStats holds the platform-wide counters.
type PlatformStats struct {
	TotalTrades    int64     `json:"total_trades"`
	TotalProfiles  int64     `json:"total_profiles"`
	TotalAgents    int64     `json:"total_agents"`
	TradesLastHour int64     `json:"trades_last_hour"`
	LastUpdated    time.Time `json:"last_updated"`
}

// BucketMinute returns the minute bucket a timestamp falls into.
func BucketMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// HoldingValue is a non-zero holding marked to the current instrument price.
type HoldingValue struct {
	InstrumentID   string          `json:"instrument_id"`
	InstrumentName string          `json:"instrument_name"`
	Shares         int64           `json:"shares"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	CurrentValue   decimal.Decimal `json:"current_value"`
}

// TradeBucket counts the trades executed within one UTC minute.
type TradeBucket struct {
	Minute time.Time `json:"minute" db:"minute"`
	Count  int64     `json:"count" db:"count"`
}
