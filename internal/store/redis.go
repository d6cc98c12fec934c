package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

const (
	leaderboardIndexKey = "leaderboard:by_value"

	// maxWatchRetries bounds optimistic retries of a leaderboard increment
	// before ErrConflict is returned.
	maxWatchRetries = 8
)

// CachedStore wraps a primary Store (PostgreSQL) with Redis. Instrument
// reads go through a cache that is invalidated whenever a transaction locks
// the instrument. The leaderboard lives entirely in Redis: a sorted set
// ranks agents by portfolio value and a JSON document per agent holds the
// entry itself. Everything else passes through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Instruments (read-through) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, ins *model.Instrument) error {
	if err := s.Store.CreateInstrument(ctx, ins); err != nil {
		return err
	}
	s.cacheInstrument(ctx, ins)
	return nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var ins model.Instrument
		if json.Unmarshal(data, &ins) == nil {
			return &ins, nil
		}
	}

	ins, err := s.Store.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, ins)
	return ins, nil
}

// InTx delegates to the primary and drops the cached copy of every
// instrument the transaction locked, whether or not it committed.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var locked []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		ct := &cachedTx{Tx: tx}
		err := fn(ct)
		locked = ct.locked
		return err
	})
	if len(locked) > 0 {
		keys := make([]string, len(locked))
		for i, id := range locked {
			keys[i] = instrumentKey(id)
		}
		s.rdb.Del(ctx, keys...)
	}
	return err
}

type cachedTx struct {
	Tx
	locked []string
}

func (t *cachedTx) LockInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	t.locked = append(t.locked, id)
	return t.Tx.LockInstrument(ctx, id)
}

// --- Leaderboard ---

func (s *CachedStore) GetLeaderboardEntry(ctx context.Context, agentID string) (*model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardEntryKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard entry %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get leaderboard entry %s: %w", agentID, err)
	}
	var e model.LeaderboardEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode leaderboard entry %s: %w", agentID, err)
	}
	return &e, nil
}

func (s *CachedStore) PutLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return queueEntry(ctx, pipe, e)
	})
	if err != nil {
		return fmt.Errorf("put leaderboard entry %s: %w", e.AgentID, err)
	}
	return nil
}

// AddPortfolioValue reads the entry under WATCH and writes it back in a
// MULTI block, retrying when a concurrent writer touched the key.
func (s *CachedStore) AddPortfolioValue(ctx context.Context, agentID string, delta decimal.Decimal, at time.Time) error {
	key := leaderboardEntryKey(agentID)

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("leaderboard entry %s: %w", agentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var e model.LeaderboardEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode leaderboard entry %s: %w", agentID, err)
		}
		e.PortfolioValue = e.PortfolioValue.Add(delta)
		e.LastUpdated = at

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueEntry(ctx, pipe, &e)
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("add portfolio value %s: %w", agentID, ErrConflict)
}

// TopLeaderboardEntries reads ids from the sorted set, then the entries.
// Equal scores are ordered by agent id, descending.
func (s *CachedStore) TopLeaderboardEntries(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, leaderboardIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = leaderboardEntryKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard entries: %w", err)
	}

	entries := make([]model.LeaderboardEntry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index member without a document; the next reconcile rewrites it.
			continue
		}
		var e model.LeaderboardEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// queueEntry writes the document and its ranking score in one pipeline.
func queueEntry(ctx context.Context, pipe redis.Pipeliner, e *model.LeaderboardEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe.Set(ctx, leaderboardEntryKey(e.AgentID), data, 0)
	pipe.ZAdd(ctx, leaderboardIndexKey, redis.Z{
		Score:  e.PortfolioValue.InexactFloat64(),
		Member: e.AgentID,
	})
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, ins *model.Instrument) {
	if data, err := json.Marshal(ins); err == nil {
		s.rdb.Set(ctx, instrumentKey(ins.ID), data, s.ttl)
	}
}

func instrumentKey(id string) string       { return fmt.Sprintf("instrument:%s", id) }
func leaderboardEntryKey(id string) string { return fmt.Sprintf("leaderboard:entry:%s", id) }
