package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// import sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"moneybot/market"
	"moneybot/portfolio"
)

// ErrNoDatabaseProvided is returned when Open is called with an empty path
var ErrNoDatabaseProvided = errors.New("no database path provided")

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
    id      INTEGER PRIMARY KEY,
    symbol  TEXT    NOT NULL,
    bid     REAL    NOT NULL,
    bid_qty REAL    NOT NULL,
    ask     REAL    NOT NULL,
    ask_qty REAL    NOT NULL,
    ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts);

CREATE TABLE IF NOT EXISTS trades (
    id       INTEGER PRIMARY KEY,
    symbol   TEXT    NOT NULL,
    price    REAL    NOT NULL,
    quantity REAL    NOT NULL,
    side     TEXT    NOT NULL,
    ts       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts);

CREATE TABLE IF NOT EXISTS candles (
    symbol   TEXT    NOT NULL,
    interval INTEGER NOT NULL,
    ts       INTEGER NOT NULL,
    open     REAL    NOT NULL,
    high     REAL    NOT NULL,
    low      REAL    NOT NULL,
    close    REAL    NOT NULL,
    volume   REAL    NOT NULL,
    PRIMARY KEY (symbol, interval, ts)
);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    id             INTEGER PRIMARY KEY,
    ts             INTEGER NOT NULL,
    equity         REAL    NOT NULL,
    realized_pnl   REAL    NOT NULL,
    unrealized_pnl REAL    NOT NULL,
    balances       TEXT    NOT NULL,
    positions      TEXT    NOT NULL
);
`

// Store 是基于 SQLite 的行情与组合快照存储，实现 market.TickStore 与 portfolio.SnapshotStore。
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并建表，path 可为 ":memory:"。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, ErrNoDatabaseProvided
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者；":memory:" 每个连接都是独立的库
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 用于健康检查。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) SaveTick(ctx context.Context, t market.Tick) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticks (symbol, bid, bid_qty, ask, ask_qty, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Bid, t.BidQty, t.Ask, t.AskQty, t.Ts.UnixNano())
	return err
}

func (s *Store) SaveTrade(ctx context.Context, t market.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, price, quantity, side, ts) VALUES (?, ?, ?, ?, ?)`,
		t.Symbol, t.Price, t.Quantity, t.Side, t.Ts.UnixNano())
	return err
}

// SaveCandle 按 (symbol, interval, ts) 覆盖写入。
func (s *Store) SaveCandle(ctx context.Context, k market.Kline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO candles (symbol, interval, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Symbol, int64(k.Interval), k.Ts.UnixNano(), k.Open, k.High, k.Low, k.Close, k.Volume)
	return err
}

func (s *Store) SaveSnapshot(ctx context.Context, snap portfolio.Snapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return err
	}
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO portfolio_snapshots (ts, equity, realized_pnl, unrealized_pnl, balances, positions)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Ts.UnixNano(), snap.Equity, snap.RealizedPnL, snap.UnrealizedPnL, string(balances), string(positions))
	return err
}

// Ticks 返回某交易对最近 limit 条 tick，按时间升序。
func (s *Store) Ticks(ctx context.Context, symbol string, limit int) ([]market.Tick, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, bid, bid_qty, ask, ask_qty, ts FROM (
		   SELECT * FROM ticks WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT ?
		 ) ORDER BY ts ASC, id ASC`, symbol, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []market.Tick
	for rows.Next() {
		var t market.Tick
		var ts int64
		if err := rows.Scan(&t.Symbol, &t.Bid, &t.BidQty, &t.Ask, &t.AskQty, &ts); err != nil {
			return nil, err
		}
		t.Ts = time.Unix(0, ts).UTC()
		res = append(res, t)
	}
	return res, rows.Err()
}

// Trades 返回某交易对最近 limit 笔成交，按时间升序。
func (s *Store) Trades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, price, quantity, side, ts FROM (
		   SELECT * FROM trades WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT ?
		 ) ORDER BY ts ASC, id ASC`, symbol, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []market.Trade
	for rows.Next() {
		var t market.Trade
		var ts int64
		if err := rows.Scan(&t.Symbol, &t.Price, &t.Quantity, &t.Side, &ts); err != nil {
			return nil, err
		}
		t.Ts = time.Unix(0, ts).UTC()
		res = append(res, t)
	}
	return res, rows.Err()
}

// Candles 返回某交易对某周期最近 limit 根 K 线，按时间升序。
func (s *Store) Candles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]market.Kline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, interval, ts, open, high, low, close, volume FROM (
		   SELECT * FROM candles WHERE symbol = ? AND interval = ? ORDER BY ts DESC LIMIT ?
		 ) ORDER BY ts ASC`, symbol, int64(interval), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []market.Kline
	for rows.Next() {
		var k market.Kline
		var iv, ts int64
		if err := rows.Scan(&k.Symbol, &iv, &ts, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, err
		}
		k.Interval = time.Duration(iv)
		k.Ts = time.Unix(0, ts).UTC()
		res = append(res, k)
	}
	return res, rows.Err()
}

// Snapshots 返回最近 limit 个组合快照，按时间升序。
func (s *Store) Snapshots(ctx context.Context, limit int) ([]portfolio.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity, realized_pnl, unrealized_pnl, balances, positions FROM (
		   SELECT * FROM portfolio_snapshots ORDER BY ts DESC, id DESC LIMIT ?
		 ) ORDER BY ts ASC, id ASC`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []portfolio.Snapshot
	for rows.Next() {
		var snap portfolio.Snapshot
		var ts int64
		var balances, positions string
		if err := rows.Scan(&ts, &snap.Equity, &snap.RealizedPnL, &snap.UnrealizedPnL, &balances, &positions); err != nil {
			return nil, err
		}
		snap.Ts = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(balances), &snap.Balances); err != nil {
			return nil, fmt.Errorf("decode balances: %w", err)
		}
		if err := json.Unmarshal([]byte(positions), &snap.Positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		res = append(res, snap)
	}
	return res, rows.Err()
}

// Prune 删除早于 before 的 tick 与成交，返回删除行数。
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"ticks", "trades"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", before.UnixNano())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// limitOrAll sqlite 中 LIMIT -1 表示不限制。
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
