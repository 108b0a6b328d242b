// Package db persists durable trade records to SQLite. It is a collaborator
// of the execution core: the core emits events, this package stores them.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	ticket       INTEGER NOT NULL UNIQUE,
	account      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	volume       TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	exit_price   TEXT,
	stop_loss    TEXT,
	take_profit  TEXT,
	spread_cost  TEXT NOT NULL,
	realized_pnl TEXT,
	close_reason TEXT,
	status       TEXT NOT NULL DEFAULT 'OPEN',
	opened_at    TIMESTAMP NOT NULL,
	closed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
`

// ApplyMigrations creates the schema if it does not exist.
func ApplyMigrations(d *Database) error {
	_, err := d.DB.Exec(schema)
	return err
}

// Trade is one durable trade row. Prices and money are stored as decimal
// strings to avoid binary floating-point drift in the audit trail.
type Trade struct {
	ID          string
	Ticket      int64
	Account     string
	Symbol      string
	Side        string
	Volume      string
	EntryPrice  string
	ExitPrice   string
	StopLoss    string
	TakeProfit  string
	SpreadCost  string
	RealizedPnL string
	CloseReason string
	Status      string
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// InsertOpen records a newly opened trade.
func (d *Database) InsertOpen(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, ticket, account, symbol, side, volume,
			entry_price, stop_loss, take_profit, spread_cost, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?)`,
		t.ID, t.Ticket, t.Account, t.Symbol, t.Side, t.Volume,
		t.EntryPrice, t.StopLoss, t.TakeProfit, t.SpreadCost, t.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert trade %d: %w", t.Ticket, err)
	}
	return nil
}

// MarkClosed finalizes a trade row with its exit details.
func (d *Database) MarkClosed(ctx context.Context, ticket int64, exitPrice, realizedPnL, reason string, closedAt time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET exit_price = ?, realized_pnl = ?, close_reason = ?, status = 'CLOSED', closed_at = ?
		WHERE ticket = ?`,
		exitPrice, realizedPnL, reason, closedAt, ticket)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", ticket, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close trade %d: no such row", ticket)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first.
func (d *Database) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ticket, account, symbol, side, volume, entry_price,
			COALESCE(exit_price, ''), COALESCE(stop_loss, ''), COALESCE(take_profit, ''),
			spread_cost, COALESCE(realized_pnl, ''), COALESCE(close_reason, ''),
			status, opened_at, closed_at
		FROM trades ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.Ticket, &t.Account, &t.Symbol, &t.Side,
			&t.Volume, &t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit,
			&t.SpreadCost, &t.RealizedPnL, &t.CloseReason, &t.Status,
			&t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTradeByTicket fetches one trade row, or nil when absent.
func (d *Database) GetTradeByTicket(ctx context.Context, ticket int64) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, ticket, account, symbol, side, volume, entry_price,
			COALESCE(exit_price, ''), COALESCE(stop_loss, ''), COALESCE(take_profit, ''),
			spread_cost, COALESCE(realized_pnl, ''), COALESCE(close_reason, ''),
			status, opened_at, closed_at
		FROM trades WHERE ticket = ?`, ticket)

	var t Trade
	err := row.Scan(&t.ID, &t.Ticket, &t.Account, &t.Symbol, &t.Side,
		&t.Volume, &t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit,
		&t.SpreadCost, &t.RealizedPnL, &t.CloseReason, &t.Status,
		&t.OpenedAt, &t.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
