// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (leaderboard
// index and read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a row whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict marks a transient write conflict (serialization failure,
	// deadlock, optimistic lock lost). The operation is safe to retry.
	ErrConflict = errors.New("store: transient write conflict")
)

// Counts are the row counts of the primary tables.
type Counts struct {
	Trades      int64
	Instruments int64
	Agents      int64
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis serves the leaderboard and caches instrument reads.
type Store interface {
	// --- Instruments ---

	// CreateInstrument persists a newly listed instrument.
	CreateInstrument(ctx context.Context, ins *model.Instrument) error

	// GetInstrument retrieves an instrument by its ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns instruments newest first. limit <= 0 means all.
	ListInstruments(ctx context.Context, limit int) ([]model.Instrument, error)

	// --- Agents ---

	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)

	// --- Holdings ledger ---

	// GetHolding returns the share count for the pair, 0 when no row exists.
	GetHolding(ctx context.Context, agentID, instrumentID string) (int64, error)

	// ListHoldingsByAgent returns the agent's non-zero holdings.
	ListHoldingsByAgent(ctx context.Context, agentID string) ([]model.Holding, error)

	// ListHoldingsByInstrument returns every non-zero holding of an instrument.
	ListHoldingsByInstrument(ctx context.Context, instrumentID string) ([]model.Holding, error)

	// --- Immutable trade log ---

	// ListRecentTrades returns the latest trades, newest first.
	ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error)
	ListTradesByInstrument(ctx context.Context, instrumentID string, limit int) ([]model.Trade, error)
	ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error)

	// ListTradesSince returns trades created strictly after since, oldest first.
	ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error)

	// --- Immutable price history ---

	// AppendPricePoint records a price outside a trade (instrument listing).
	AppendPricePoint(ctx context.Context, p model.PricePoint) error

	// GetPriceHistory returns an instrument's price points, newest first.
	GetPriceHistory(ctx context.Context, instrumentID string, limit int) ([]model.PricePoint, error)

	// Counts returns the number of trades, instruments and agents.
	Counts(ctx context.Context) (Counts, error)

	// InTx runs fn in a single atomic unit. If fn returns an error nothing
	// it wrote is visible afterwards.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	LeaderboardStore
	StatsStore
}

// Tx is the write side of one trade. Lock rows in a fixed order: the
// instrument first, then the agent. Holding reads are only consistent once
// both sides of the pair are locked.
type Tx interface {
	// LockInstrument loads the instrument and holds it until the transaction ends.
	LockInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// LockAgent loads the agent and holds it until the transaction ends.
	LockAgent(ctx context.Context, id string) (*model.Agent, error)

	// Holding returns the current share count for the pair (0 if absent).
	Holding(ctx context.Context, agentID, instrumentID string) (int64, error)

	// ApplyHoldingDelta adjusts the pair's shares. A positive delta creates a
	// missing row; the result is floored at zero (floored reports whether the
	// floor was hit) and a zero result deletes the row.
	ApplyHoldingDelta(ctx context.Context, agentID, instrumentID string, delta int64) (shares int64, floored bool, err error)

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// AppendPricePoint appends an immutable price history entry.
	AppendPricePoint(ctx context.Context, p model.PricePoint) error

	// RecordInstrumentTrade sets the instrument price and increments its trade count.
	RecordInstrumentTrade(ctx context.Context, instrumentID string, newPrice decimal.Decimal) error

	// AdjustAgentBalance adds delta to the balance and stamps last activity.
	AdjustAgentBalance(ctx context.Context, agentID string, delta decimal.Decimal, at time.Time) error
}

// LeaderboardStore persists the derived leaderboard cache.
type LeaderboardStore interface {
	// GetLeaderboardEntry returns ErrNotFound when the agent has no entry.
	GetLeaderboardEntry(ctx context.Context, agentID string) (*model.LeaderboardEntry, error)

	// PutLeaderboardEntry creates or overwrites an entry.
	PutLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error

	// AddPortfolioValue shifts an existing entry's value by delta.
	// Returns ErrNotFound when the agent has no entry.
	AddPortfolioValue(ctx context.Context, agentID string, delta decimal.Decimal, at time.Time) error

	// TopLeaderboardEntries returns entries by portfolio value, highest first.
	TopLeaderboardEntries(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

// StatsStore persists the platform counters and the per-minute trade histogram.
type StatsStore interface {
	// GetPlatformStats returns the counters, creating a zero row on first access.
	GetPlatformStats(ctx context.Context) (*model.PlatformStats, error)

	// SetPlatformStats overwrites the counters.
	SetPlatformStats(ctx context.Context, s *model.PlatformStats) error

	// IncrementTradeCounters bumps totalTrades, tradesLastHour and the bucket
	// for at's minute.
	IncrementTradeCounters(ctx context.Context, at time.Time) error

	IncrementProfileCount(ctx context.Context) error
	IncrementAgentCount(ctx context.Context) error

	// ListTradeBuckets returns buckets with Minute strictly after since.
	ListTradeBuckets(ctx context.Context, since time.Time) ([]model.TradeBucket, error)

	// ReplaceTradeBuckets drops buckets after since and writes the given ones.
	ReplaceTradeBuckets(ctx context.Context, since time.Time, buckets []model.TradeBucket) error

	// DeleteTradeBucketsBefore removes buckets with Minute before the cutoff.
	DeleteTradeBucketsBefore(ctx context.Context, before time.Time) (int64, error)
}
