package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/pricing"
	"github.com/agentmarket/market-engine/internal/store"
)

var (
	// ErrNotFound is returned when the instrument or the agent does not exist.
	ErrNotFound = fmt.Errorf("trade: %w", store.ErrNotFound)

	// ErrInvalidState is returned when the ledger cannot support the action,
	// e.g. a SELL from an agent that holds no shares.
	ErrInvalidState = errors.New("trade: invalid state")
)

// LeaderboardUpdater receives the incremental leaderboard updates that
// follow a committed trade.
type LeaderboardUpdater interface {
	ApplyPriceDelta(ctx context.Context, instrumentID string, delta decimal.Decimal, excludeAgentID string, at time.Time) error
	RecomputeAgent(ctx context.Context, agentID string, at time.Time) (*model.LeaderboardEntry, error)
}

// StatsRecorder counts committed trades. Record must not block.
type StatsRecorder interface {
	Record(at time.Time) bool
}

// Broadcaster publishes trade events to connected clients.
type Broadcaster interface {
	Broadcast(msg WSMessage)
}

// Request is one admitted trade decision. Size is expected in [0.1, 1.0].
type Request struct {
	AgentID      string
	InstrumentID string
	Action       model.Action
	Size         decimal.Decimal
	Reason       string
	Comment      string
}

// Result is the outcome of an executed trade.
type Result struct {
	TradeID       string          `json:"trade_id"`
	NewPrice      decimal.Decimal `json:"new_price"`
	PriceChange   decimal.Decimal `json:"price_change"`   // new price − old price
	ChangePercent decimal.Decimal `json:"change_percent"` // relative move in percent
	Shares        int64           `json:"shares"`
}

// Executor applies trades to the store as single atomic transitions.
type Executor struct {
	store       store.Store
	board       LeaderboardUpdater
	stats       StatsRecorder
	broadcaster Broadcaster
	logger      *slog.Logger

	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
	newID        func() string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates an executor over the given store.
func NewExecutor(s store.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:        s,
		logger:       slog.Default(),
		maxAttempts:  5,
		retryBackoff: 10 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// WithLeaderboard enables the incremental leaderboard path.
func WithLeaderboard(b LeaderboardUpdater) ExecutorOption {
	return func(e *Executor) {
		e.board = b
	}
}

// WithStats sets the stats recorder.
func WithStats(r StatsRecorder) ExecutorOption {
	return func(e *Executor) {
		e.stats = r
	}
}

// WithBroadcaster sets the trade event publisher.
func WithBroadcaster(b Broadcaster) ExecutorOption {
	return func(e *Executor) {
		e.broadcaster = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithRetry sets how many times a conflicting transaction is attempted and
// the initial backoff between attempts. The backoff doubles each time.
func WithRetry(maxAttempts int, backoff time.Duration) ExecutorOption {
	return func(e *Executor) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		e.retryBackoff = backoff
	}
}

// WithClock sets the time source used for trade timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// WithIDGenerator sets the trade id generator.
func WithIDGenerator(newID func() string) ExecutorOption {
	return func(e *Executor) {
		e.newID = newID
	}
}

// committed carries what the transaction wrote to the post-commit steps.
type committed struct {
	trade    model.Trade
	oldPrice decimal.Decimal
	floored  bool
}

// Execute records the trade, moves the price, and updates the holding and
// balance in one transaction. Leaderboard, stats and broadcast follow the
// commit and never fail the trade.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	var (
		c   *committed
		err error
	)
	backoff := e.retryBackoff
	for attempt := 1; ; attempt++ {
		c, err = e.attempt(ctx, req)
		if !errors.Is(err, store.ErrConflict) || attempt >= e.maxAttempts {
			break
		}
		metrics.TradeConflictRetries.Inc()
		e.logger.Debug("trade conflict, retrying",
			"agent", req.AgentID,
			"instrument", req.InstrumentID,
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			metrics.TradeRejections.WithLabelValues("invalid_state").Inc()
		}
		return nil, err
	}

	t := c.trade
	if c.floored {
		metrics.HoldingFloorClamps.Inc()
		e.logger.Warn("holding floored at zero",
			"trade_id", t.ID,
			"agent", t.AgentID,
			"instrument", t.InstrumentID,
		)
	}

	e.afterCommit(ctx, c)

	action := string(t.Action)
	metrics.TradesTotal.WithLabelValues(action).Inc()
	metrics.SharesTraded.WithLabelValues(action).Add(float64(t.Shares))
	metrics.TradeLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())

	newPrice := c.oldPrice.Add(t.PriceChange)
	e.logger.Info("trade executed",
		"trade_id", t.ID,
		"agent", t.AgentID,
		"instrument", t.InstrumentID,
		"action", action,
		"size", t.Size.String(),
		"shares", t.Shares,
		"price", t.PriceAtTrade.String(),
		"new_price", newPrice.String(),
	)

	return &Result{
		TradeID:       t.ID,
		NewPrice:      newPrice,
		PriceChange:   t.PriceChange,
		ChangePercent: pricing.ChangePercent(c.oldPrice, newPrice),
		Shares:        t.Shares,
	}, nil
}

func (e *Executor) attempt(ctx context.Context, req Request) (*committed, error) {
	var c *committed
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		ins, err := tx.LockInstrument(ctx, req.InstrumentID)
		if err != nil {
			return notFound(err, "instrument", req.InstrumentID)
		}
		agent, err := tx.LockAgent(ctx, req.AgentID)
		if err != nil {
			return notFound(err, "agent", req.AgentID)
		}

		held, err := tx.Holding(ctx, agent.ID, ins.ID)
		if err != nil {
			return fmt.Errorf("read holding: %w", err)
		}

		shares, err := resolveShares(req.Action, req.Size, agent.Balance, ins.Price, held)
		if err != nil {
			return err
		}

		// Every SELL applies its pressure; a BUY that resolves to no shares
		// does not.
		newPrice := ins.Price
		if req.Action == model.ActionSell || (req.Action == model.ActionBuy && shares > 0) {
			newPrice = pricing.ForAction(req.Action, ins.Price, req.Size)
		}

		at := e.now()
		t := model.Trade{
			ID:           e.newID(),
			AgentID:      agent.ID,
			InstrumentID: ins.ID,
			Action:       req.Action,
			Size:         req.Size,
			Shares:       shares,
			PriceAtTrade: ins.Price,
			PriceChange:  newPrice.Sub(ins.Price),
			Reason:       req.Reason,
			Comment:      req.Comment,
			CreatedAt:    at,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := tx.AppendPricePoint(ctx, model.PricePoint{InstrumentID: ins.ID, Price: newPrice, Timestamp: at}); err != nil {
			return fmt.Errorf("append price point: %w", err)
		}
		if err := tx.RecordInstrumentTrade(ctx, ins.ID, newPrice); err != nil {
			return fmt.Errorf("update instrument: %w", err)
		}

		floored := false
		if delta := t.SharesDelta(); delta != 0 {
			if _, floored, err = tx.ApplyHoldingDelta(ctx, agent.ID, ins.ID, delta); err != nil {
				return fmt.Errorf("update holding: %w", err)
			}
		}
		// A SELL credits cash and a BUY debits it. HOLD leaves the agent as is.
		if t.Action != model.ActionHold {
			cash := decimal.NewFromInt(t.SharesDelta()).Mul(t.PriceAtTrade).Neg()
			if err := tx.AdjustAgentBalance(ctx, agent.ID, cash, at); err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
		}

		c = &committed{trade: t, oldPrice: ins.Price, floored: floored}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// resolveShares turns a normalized size into a share count.
func resolveShares(action model.Action, size, balance, price decimal.Decimal, held int64) (int64, error) {
	switch action {
	case model.ActionBuy:
		if !price.IsPositive() {
			return 0, fmt.Errorf("%w: non-positive price %s", ErrInvalidState, price)
		}
		affordable := balance.Div(price).Floor()
		return affordable.Mul(size).Floor().IntPart(), nil
	case model.ActionSell:
		if held <= 0 {
			return 0, fmt.Errorf("%w: no shares to sell", ErrInvalidState)
		}
		shares := decimal.NewFromInt(held).Mul(size).Floor().IntPart()
		return min(shares, held), nil
	case model.ActionHold:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidState, action)
}

func (e *Executor) afterCommit(ctx context.Context, c *committed) {
	t := c.trade
	// The trade is durable; a cancelled request must not skip the cache.
	ctx = context.WithoutCancel(ctx)

	if e.board != nil && (t.Shares > 0 || !t.PriceChange.IsZero()) {
		if err := e.board.ApplyPriceDelta(ctx, t.InstrumentID, t.PriceChange, t.AgentID, t.CreatedAt); err != nil {
			metrics.LeaderboardIncrementalErrors.Inc()
			e.logger.Warn("leaderboard holder update failed", "trade_id", t.ID, "err", err)
		}
		if _, err := e.board.RecomputeAgent(ctx, t.AgentID, t.CreatedAt); err != nil {
			metrics.LeaderboardIncrementalErrors.Inc()
			e.logger.Warn("leaderboard trader recompute failed", "trade_id", t.ID, "agent", t.AgentID, "err", err)
		}
	}

	if e.stats != nil {
		e.stats.Record(t.CreatedAt)
	}

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(WSMessage{
			Type:         "trade_executed",
			TradeID:      t.ID,
			InstrumentID: t.InstrumentID,
			AgentID:      t.AgentID,
			Action:       string(t.Action),
			Shares:       t.Shares,
			Price:        c.oldPrice.Add(t.PriceChange).String(),
			PriceChange:  t.PriceChange.String(),
		})
	}
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
