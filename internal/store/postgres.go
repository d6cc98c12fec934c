package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes handled by translate.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, url string, minConns, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if minConns > 0 {
		poolCfg.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		}
	}
	return err
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Instruments ---

const instrumentColumns = `id, name, creator_agent_id, price::TEXT, total_shares, total_trades, created_at`

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var ins model.Instrument
	var price string
	if err := row.Scan(&ins.ID, &ins.Name, &ins.CreatorAgentID, &price,
		&ins.TotalShares, &ins.TotalTrades, &ins.CreatedAt); err != nil {
		return nil, err
	}
	ins.Price, _ = decimal.NewFromString(price)
	return &ins, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, ins *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, name, creator_agent_id, price, total_shares, total_trades, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		ins.ID, ins.Name, ins.CreatorAgentID, ins.Price.String(),
		ins.TotalShares, ins.TotalTrades, ins.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create instrument %s: %w", ins.ID, translate(err))
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	ins, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", id, translate(err))
	}
	return ins, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, limit int) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments
		 ORDER BY created_at DESC, id
		 LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Instrument
	for rows.Next() {
		ins, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *ins)
	}
	return list, rows.Err()
}

// --- Agents ---

const agentColumns = `id, name, avatar_emoji, built_in, enabled, balance::TEXT, last_active_at, created_at`

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var balance string
	if err := row.Scan(&a.ID, &a.Name, &a.AvatarEmoji, &a.BuiltIn, &a.Enabled,
		&balance, &a.LastActiveAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, avatar_emoji, built_in, enabled, balance, last_active_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		a.ID, a.Name, a.AvatarEmoji, a.BuiltIn, a.Enabled, a.Balance.String(),
		a.LastActiveAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.ID, translate(err))
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, translate(err))
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, agentID, instrumentID string) (int64, error) {
	return queryHolding(ctx, s.pool, agentID, instrumentID, false)
}

func (s *PostgresStore) ListHoldingsByAgent(ctx context.Context, agentID string) ([]model.Holding, error) {
	return s.listHoldings(ctx,
		`SELECT agent_id, instrument_id, shares FROM holdings
		 WHERE agent_id = $1 AND shares > 0 ORDER BY instrument_id`, agentID)
}

func (s *PostgresStore) ListHoldingsByInstrument(ctx context.Context, instrumentID string) ([]model.Holding, error) {
	return s.listHoldings(ctx,
		`SELECT agent_id, instrument_id, shares FROM holdings
		 WHERE instrument_id = $1 AND shares > 0 ORDER BY agent_id`, instrumentID)
}

func (s *PostgresStore) listHoldings(ctx context.Context, sql string, arg string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.AgentID, &h.InstrumentID, &h.Shares); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by shared helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryHolding(ctx context.Context, q querier, agentID, instrumentID string, forUpdate bool) (int64, error) {
	sql := `SELECT shares FROM holdings WHERE agent_id = $1 AND instrument_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var shares int64
	err := q.QueryRow(ctx, sql, agentID, instrumentID).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	return shares, nil
}

// --- Trade log ---

const tradeColumns = `id, agent_id, instrument_id, action, size::TEXT, shares,
	price_at_trade::TEXT, price_change::TEXT, reason, comment, created_at`

func (s *PostgresStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY seq DESC LIMIT NULLIF($1, 0)`, limit)
}

func (s *PostgresStore) ListTradesByInstrument(ctx context.Context, instrumentID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE instrument_id = $2
		 ORDER BY seq DESC LIMIT NULLIF($1, 0)`, limit, instrumentID)
}

func (s *PostgresStore) ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE agent_id = $2
		 ORDER BY seq DESC LIMIT NULLIF($1, 0)`, limit, agentID)
}

func (s *PostgresStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE created_at > $1 ORDER BY seq`, since)
}

func (s *PostgresStore) queryTrades(ctx context.Context, sql string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var action, size, price, change string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.InstrumentID, &action, &size, &t.Shares,
			&price, &change, &t.Reason, &t.Comment, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Action = model.Action(action)
		t.Size, _ = decimal.NewFromString(size)
		t.PriceAtTrade, _ = decimal.NewFromString(price)
		t.PriceChange, _ = decimal.NewFromString(change)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Price history ---

func (s *PostgresStore) AppendPricePoint(ctx context.Context, p model.PricePoint) error {
	return insertPricePoint(ctx, s.pool, p)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPricePoint(ctx context.Context, e execer, p model.PricePoint) error {
	_, err := e.Exec(ctx,
		`INSERT INTO price_history (instrument_id, price, ts) VALUES ($1, $2::NUMERIC, $3)`,
		p.InstrumentID, p.Price.String(), p.Timestamp)
	return translate(err)
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, instrumentID string, limit int) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, price::TEXT, ts FROM price_history
		 WHERE instrument_id = $1 ORDER BY seq DESC LIMIT NULLIF($2, 0)`, instrumentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.InstrumentID, &price, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM trades),
		        (SELECT count(*) FROM instruments),
		        (SELECT count(*) FROM agents)`).
		Scan(&c.Trades, &c.Instruments, &c.Agents)
	return c, err
}

// --- Transactions ---

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken through
// the Tx serialize competing trades; serialization failures and deadlocks
// surface as ErrConflict.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", translate(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", translate(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	ins, err := scanInstrument(t.tx.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock instrument %s: %w", id, translate(err))
	}
	return ins, nil
}

func (t *pgTx) LockAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(t.tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock agent %s: %w", id, translate(err))
	}
	return a, nil
}

func (t *pgTx) Holding(ctx context.Context, agentID, instrumentID string) (int64, error) {
	return queryHolding(ctx, t.tx, agentID, instrumentID, true)
}

func (t *pgTx) ApplyHoldingDelta(ctx context.Context, agentID, instrumentID string, delta int64) (int64, bool, error) {
	current, err := queryHolding(ctx, t.tx, agentID, instrumentID, true)
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

	if next == 0 {
		_, err = t.tx.Exec(ctx,
			`DELETE FROM holdings WHERE agent_id = $1 AND instrument_id = $2`, agentID, instrumentID)
	} else {
		_, err = t.tx.Exec(ctx,
			`INSERT INTO holdings (agent_id, instrument_id, shares) VALUES ($1, $2, $3)
			 ON CONFLICT (agent_id, instrument_id) DO UPDATE SET shares = EXCLUDED.shares`,
			agentID, instrumentID, next)
	}
	if err != nil {
		return 0, false, fmt.Errorf("apply holding %s/%s: %w", agentID, instrumentID, translate(err))
	}
	return next, floored, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, agent_id, instrument_id, action, size, shares,
		                     price_at_trade, price_change, reason, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		tr.ID, tr.AgentID, tr.InstrumentID, string(tr.Action), tr.Size.String(), tr.Shares,
		tr.PriceAtTrade.String(), tr.PriceChange.String(), tr.Reason, tr.Comment, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, translate(err))
	}
	return nil
}

func (t *pgTx) AppendPricePoint(ctx context.Context, p model.PricePoint) error {
	return insertPricePoint(ctx, t.tx, p)
}

func (t *pgTx) RecordInstrumentTrade(ctx context.Context, instrumentID string, newPrice decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE instruments SET price = $2::NUMERIC, total_trades = total_trades + 1 WHERE id = $1`,
		instrumentID, newPrice.String())
	if err != nil {
		return fmt.Errorf("update instrument %s: %w", instrumentID, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", instrumentID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AdjustAgentBalance(ctx context.Context, agentID string, delta decimal.Decimal, at time.Time) error {
	var balance string
	err := t.tx.QueryRow(ctx,
		`UPDATE agents SET balance = balance + $2::NUMERIC, last_active_at = $3
		 WHERE id = $1 RETURNING balance::TEXT`,
		agentID, delta.String(), at).Scan(&balance)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return fmt.Errorf("agent %s: %w", agentID, model.ErrNegativeBalance)
		}
		return fmt.Errorf("adjust balance %s: %w", agentID, translate(err))
	}
	return nil
}

// --- Leaderboard ---

const leaderboardColumns = `agent_id, portfolio_value::TEXT, holdings_count, agent_name, avatar_emoji,
	balance::TEXT, built_in, last_updated`

func scanLeaderboardEntry(row rowScanner) (*model.LeaderboardEntry, error) {
	var e model.LeaderboardEntry
	var value, balance string
	if err := row.Scan(&e.AgentID, &value, &e.HoldingsCount, &e.AgentName, &e.AvatarEmoji,
		&balance, &e.BuiltIn, &e.LastUpdated); err != nil {
		return nil, err
	}
	e.PortfolioValue, _ = decimal.NewFromString(value)
	e.Balance, _ = decimal.NewFromString(balance)
	return &e, nil
}

func (s *PostgresStore) GetLeaderboardEntry(ctx context.Context, agentID string) (*model.LeaderboardEntry, error) {
	e, err := scanLeaderboardEntry(s.pool.QueryRow(ctx,
		`SELECT `+leaderboardColumns+` FROM agent_leaderboard WHERE agent_id = $1`, agentID))
	if err != nil {
		return nil, fmt.Errorf("leaderboard entry %s: %w", agentID, translate(err))
	}
	return e, nil
}

func (s *PostgresStore) PutLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_leaderboard (agent_id, portfolio_value, holdings_count, agent_name,
		                                avatar_emoji, balance, built_in, last_updated)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (agent_id) DO UPDATE SET
		     portfolio_value = EXCLUDED.portfolio_value,
		     holdings_count  = EXCLUDED.holdings_count,
		     agent_name      = EXCLUDED.agent_name,
		     avatar_emoji    = EXCLUDED.avatar_emoji,
		     balance         = EXCLUDED.balance,
		     built_in        = EXCLUDED.built_in,
		     last_updated    = EXCLUDED.last_updated`,
		e.AgentID, e.PortfolioValue.String(), e.HoldingsCount, e.AgentName,
		e.AvatarEmoji, e.Balance.String(), e.BuiltIn, e.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("put leaderboard entry %s: %w", e.AgentID, translate(err))
	}
	return nil
}

func (s *PostgresStore) AddPortfolioValue(ctx context.Context, agentID string, delta decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_leaderboard
		 SET portfolio_value = portfolio_value + $2::NUMERIC, last_updated = $3
		 WHERE agent_id = $1`, agentID, delta.String(), at)
	if err != nil {
		return fmt.Errorf("add portfolio value %s: %w", agentID, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("leaderboard entry %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TopLeaderboardEntries(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaderboardColumns+` FROM agent_leaderboard
		 ORDER BY portfolio_value DESC, seq LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Stats ---

const ensureStatsRow = `INSERT INTO platform_stats (id) VALUES (1) ON CONFLICT (id) DO NOTHING`

func (s *PostgresStore) GetPlatformStats(ctx context.Context) (*model.PlatformStats, error) {
	if _, err := s.pool.Exec(ctx, ensureStatsRow); err != nil {
		return nil, fmt.Errorf("ensure stats row: %w", translate(err))
	}
	var st model.PlatformStats
	err := s.pool.QueryRow(ctx,
		`SELECT total_trades, total_profiles, total_agents, trades_last_hour, last_updated
		 FROM platform_stats WHERE id = 1`).
		Scan(&st.TotalTrades, &st.TotalProfiles, &st.TotalAgents, &st.TradesLastHour, &st.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", translate(err))
	}
	return &st, nil
}

func (s *PostgresStore) SetPlatformStats(ctx context.Context, st *model.PlatformStats) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_stats (id, total_trades, total_profiles, total_agents, trades_last_hour, last_updated)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     total_trades     = EXCLUDED.total_trades,
		     total_profiles   = EXCLUDED.total_profiles,
		     total_agents     = EXCLUDED.total_agents,
		     trades_last_hour = EXCLUDED.trades_last_hour,
		     last_updated     = EXCLUDED.last_updated`,
		st.TotalTrades, st.TotalProfiles, st.TotalAgents, st.TradesLastHour, st.LastUpdated)
	return translate(err)
}

func (s *PostgresStore) IncrementTradeCounters(ctx context.Context, at time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO platform_stats (id, total_trades, trades_last_hour, last_updated)
			 VALUES (1, 1, 1, $1)
			 ON CONFLICT (id) DO UPDATE SET
			     total_trades     = platform_stats.total_trades + 1,
			     trades_last_hour = platform_stats.trades_last_hour + 1,
			     last_updated     = EXCLUDED.last_updated`, at); err != nil {
			return translate(err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO trade_buckets (minute, count) VALUES ($1, 1)
			 ON CONFLICT (minute) DO UPDATE SET count = trade_buckets.count + 1`,
			model.BucketMinute(at))
		return translate(err)
	})
}

func (s *PostgresStore) IncrementProfileCount(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_stats (id, total_profiles) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET total_profiles = platform_stats.total_profiles + 1`)
	return translate(err)
}

func (s *PostgresStore) IncrementAgentCount(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_stats (id, total_agents) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET total_agents = platform_stats.total_agents + 1`)
	return translate(err)
}

func (s *PostgresStore) ListTradeBuckets(ctx context.Context, since time.Time) ([]model.TradeBucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT minute, count FROM trade_buckets WHERE minute > $1 ORDER BY minute`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []model.TradeBucket
	for rows.Next() {
		var b model.TradeBucket
		if err := rows.Scan(&b.Minute, &b.Count); err != nil {
			return nil, err
		}
		b.Minute = b.Minute.UTC()
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *PostgresStore) ReplaceTradeBuckets(ctx context.Context, since time.Time, buckets []model.TradeBucket) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM trade_buckets WHERE minute > $1`, since); err != nil {
			return translate(err)
		}
		batch := &pgx.Batch{}
		for _, b := range buckets {
			batch.Queue(
				`INSERT INTO trade_buckets (minute, count) VALUES ($1, $2)
				 ON CONFLICT (minute) DO UPDATE SET count = EXCLUDED.count`,
				model.BucketMinute(b.Minute), b.Count)
		}
		return translate(tx.SendBatch(ctx, batch).Close())
	})
}

func (s *PostgresStore) DeleteTradeBucketsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_buckets WHERE minute < $1`, before)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}
