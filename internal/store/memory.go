package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

type holdingKey struct {
	agentID      string
	instrumentID string
}

type leaderboardRow struct {
	entry model.LeaderboardEntry
	seq   int64 // insertion order, used for stable tie-breaking
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-row lock for each instrument and agent they touch
// and stage their writes; the staged writes are applied under mu on commit.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	agents      map[string]*model.Agent
	holdings    map[holdingKey]int64
	trades      []model.Trade
	prices      map[string][]model.PricePoint

	leaderboard map[string]*leaderboardRow
	lbSeq       int64
	stats       *model.PlatformStats
	buckets     map[int64]int64 // unix minute → count

	rowLocks keyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		agents:      make(map[string]*model.Agent),
		holdings:    make(map[holdingKey]int64),
		prices:      make(map[string][]model.PricePoint),
		leaderboard: make(map[string]*leaderboardRow),
		buckets:     make(map[int64]int64),
		rowLocks:    keyedMutex{locks: make(map[string]*sync.Mutex)},
	}
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, ins *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[ins.ID]; ok {
		return fmt.Errorf("instrument %s: %w", ins.ID, ErrAlreadyExists)
	}
	copy := *ins
	s.instruments[ins.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	copy := *ins
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context, limit int) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]model.Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		list = append(list, *ins)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// --- Agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrAlreadyExists)
	}
	copy := *a
	s.agents[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, agentID, instrumentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdings[holdingKey{agentID, instrumentID}], nil
}

func (s *MemoryStore) ListHoldingsByAgent(_ context.Context, agentID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, shares := range s.holdings {
		if k.agentID == agentID && shares > 0 {
			result = append(result, model.Holding{AgentID: k.agentID, InstrumentID: k.instrumentID, Shares: shares})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstrumentID < result[j].InstrumentID })
	return result, nil
}

func (s *MemoryStore) ListHoldingsByInstrument(_ context.Context, instrumentID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, shares := range s.holdings {
		if k.instrumentID == instrumentID && shares > 0 {
			result = append(result, model.Holding{AgentID: k.agentID, InstrumentID: k.instrumentID, Shares: shares})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

// --- Trade log ---

func (s *MemoryStore) ListRecentTrades(_ context.Context, limit int) ([]model.Trade, error) {
	return s.filterTradesDesc(limit, func(model.Trade) bool { return true }), nil
}

func (s *MemoryStore) ListTradesByInstrument(_ context.Context, instrumentID string, limit int) ([]model.Trade, error) {
	return s.filterTradesDesc(limit, func(t model.Trade) bool { return t.InstrumentID == instrumentID }), nil
}

func (s *MemoryStore) ListTradesByAgent(_ context.Context, agentID string, limit int) ([]model.Trade, error) {
	return s.filterTradesDesc(limit, func(t model.Trade) bool { return t.AgentID == agentID }), nil
}

// filterTradesDesc walks the log from the newest entry backwards.
func (s *MemoryStore) filterTradesDesc(limit int, keep func(model.Trade) bool) []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if !keep(s.trades[i]) {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

func (s *MemoryStore) ListTradesSince(_ context.Context, since time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.CreatedAt.After(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Price history ---

func (s *MemoryStore) AppendPricePoint(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[p.InstrumentID] = append(s.prices[p.InstrumentID], p)
	return nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, instrumentID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.prices[instrumentID]
	var result []model.PricePoint
	for i := len(series) - 1; i >= 0; i-- {
		result = append(result, series[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Counts{
		Trades:      int64(len(s.trades)),
		Instruments: int64(len(s.instruments)),
		Agents:      int64(len(s.agents)),
	}, nil
}

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:           s,
		held:        make(map[string]*sync.Mutex),
		instruments: make(map[string]*model.Instrument),
		agents:      make(map[string]*model.Agent),
		holdings:    make(map[holdingKey]int64),
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes until commit. Staged instruments, agents and holdings
// shadow the committed maps for reads made inside the transaction.
type memTx struct {
	s    *MemoryStore
	held map[string]*sync.Mutex

	instruments map[string]*model.Instrument
	agents      map[string]*model.Agent
	holdings    map[holdingKey]int64
	trades      []model.Trade
	prices      []model.PricePoint
}

func (tx *memTx) lock(key string) {
	if _, ok := tx.held[key]; ok {
		return
	}
	tx.held[key] = tx.s.rowLocks.lock(key)
}

func (tx *memTx) release() {
	for _, m := range tx.held {
		m.Unlock()
	}
	tx.held = nil
}

func (tx *memTx) LockInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	tx.lock("instrument:" + id)
	if staged, ok := tx.instruments[id]; ok {
		copy := *staged
		return &copy, nil
	}
	ins, err := tx.s.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.instruments[id] = ins
	copy := *ins
	return &copy, nil
}

func (tx *memTx) LockAgent(ctx context.Context, id string) (*model.Agent, error) {
	tx.lock("agent:" + id)
	if staged, ok := tx.agents[id]; ok {
		copy := *staged
		return &copy, nil
	}
	a, err := tx.s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.agents[id] = a
	copy := *a
	return &copy, nil
}

func (tx *memTx) Holding(ctx context.Context, agentID, instrumentID string) (int64, error) {
	if shares, ok := tx.holdings[holdingKey{agentID, instrumentID}]; ok {
		return shares, nil
	}
	return tx.s.GetHolding(ctx, agentID, instrumentID)
}

func (tx *memTx) ApplyHoldingDelta(ctx context.Context, agentID, instrumentID string, delta int64) (int64, bool, error) {
	current, err := tx.Holding(ctx, agentID, instrumentID)
	if err != nil {
		return 0, false, err
	}
	if current == 0 && delta <= 0 {
		return 0, false, nil
	}
	next := current + delta
	floored := false
	if next < 0 {
		next = 0
		floored = true
	}
	tx.holdings[holdingKey{agentID, instrumentID}] = next
	return next, floored, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) AppendPricePoint(_ context.Context, p model.PricePoint) error {
	tx.prices = append(tx.prices, p)
	return nil
}

func (tx *memTx) RecordInstrumentTrade(_ context.Context, instrumentID string, newPrice decimal.Decimal) error {
	ins, ok := tx.instruments[instrumentID]
	if !ok {
		return fmt.Errorf("instrument %s not locked in transaction", instrumentID)
	}
	ins.ApplyTrade(newPrice)
	return nil
}

func (tx *memTx) AdjustAgentBalance(_ context.Context, agentID string, delta decimal.Decimal, at time.Time) error {
	a, ok := tx.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not locked in transaction", agentID)
	}
	return a.AdjustBalance(delta, at)
}

// commit applies every staged write in one critical section.
func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ins := range tx.instruments {
		s.instruments[id] = ins
	}
	for id, a := range tx.agents {
		s.agents[id] = a
	}
	for k, shares := range tx.holdings {
		if shares <= 0 {
			delete(s.holdings, k)
			continue
		}
		s.holdings[k] = shares
	}
	s.trades = append(s.trades, tx.trades...)
	for _, p := range tx.prices {
		s.prices[p.InstrumentID] = append(s.prices[p.InstrumentID], p)
	}
}

// --- Leaderboard ---

func (s *MemoryStore) GetLeaderboardEntry(_ context.Context, agentID string) (*model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.leaderboard[agentID]
	if !ok {
		return nil, fmt.Errorf("leaderboard entry %s: %w", agentID, ErrNotFound)
	}
	copy := row.entry
	return &copy, nil
}

func (s *MemoryStore) PutLeaderboardEntry(_ context.Context, e *model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.leaderboard[e.AgentID]; ok {
		row.entry = *e
		return nil
	}
	s.lbSeq++
	s.leaderboard[e.AgentID] = &leaderboardRow{entry: *e, seq: s.lbSeq}
	return nil
}

func (s *MemoryStore) AddPortfolioValue(_ context.Context, agentID string, delta decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.leaderboard[agentID]
	if !ok {
		return fmt.Errorf("leaderboard entry %s: %w", agentID, ErrNotFound)
	}
	row.entry.PortfolioValue = row.entry.PortfolioValue.Add(delta)
	row.entry.LastUpdated = at
	return nil
}

// TopLeaderboardEntries sorts on read; ties keep insertion order.
func (s *MemoryStore) TopLeaderboardEntries(_ context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	rows := make([]*leaderboardRow, 0, len(s.leaderboard))
	for _, row := range s.leaderboard {
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].entry.PortfolioValue.Cmp(rows[j].entry.PortfolioValue); c != 0 {
			return c > 0
		}
		return rows[i].seq < rows[j].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	result := make([]model.LeaderboardEntry, len(rows))
	for i, row := range rows {
		result[i] = row.entry
	}
	return result, nil
}

// --- Stats ---

// statsLocked lazily creates the singleton. Caller holds mu for writing.
func (s *MemoryStore) statsLocked() *model.PlatformStats {
	if s.stats == nil {
		s.stats = &model.PlatformStats{}
	}
	return s.stats
}

func (s *MemoryStore) GetPlatformStats(_ context.Context) (*model.PlatformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *s.statsLocked()
	return &copy, nil
}

func (s *MemoryStore) SetPlatformStats(_ context.Context, ps *model.PlatformStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ps
	s.stats = &copy
	return nil
}

func (s *MemoryStore) IncrementTradeCounters(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statsLocked()
	st.TotalTrades++
	st.TradesLastHour++
	st.LastUpdated = at
	s.buckets[model.BucketMinute(at).Unix()]++
	return nil
}

func (s *MemoryStore) IncrementProfileCount(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statsLocked().TotalProfiles++
	return nil
}

func (s *MemoryStore) IncrementAgentCount(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statsLocked().TotalAgents++
	return nil
}

func (s *MemoryStore) ListTradeBuckets(_ context.Context, since time.Time) ([]model.TradeBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeBucket
	for minute, count := range s.buckets {
		ts := time.Unix(minute, 0).UTC()
		if ts.After(since) {
			result = append(result, model.TradeBucket{Minute: ts, Count: count})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Minute.Before(result[j].Minute) })
	return result, nil
}

func (s *MemoryStore) ReplaceTradeBuckets(_ context.Context, since time.Time, buckets []model.TradeBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for minute := range s.buckets {
		if time.Unix(minute, 0).After(since) {
			delete(s.buckets, minute)
		}
	}
	for _, b := range buckets {
		s.buckets[model.BucketMinute(b.Minute).Unix()] = b.Count
	}
	return nil
}

func (s *MemoryStore) DeleteTradeBucketsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for minute := range s.buckets {
		if time.Unix(minute, 0).Before(before) {
			delete(s.buckets, minute)
			n++
		}
	}
	return n, nil
}

// keyedMutex hands out one mutex per key. Entries are never reclaimed; the
// key space is bounded by the number of instruments and agents.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}
