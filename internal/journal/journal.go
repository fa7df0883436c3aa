// Package journal is the append-only SQLite record of fills, state
// transitions and end-of-day snapshots.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trading-breakout/internal/model"
)

// Journal persists trading records to SQLite for analysis and audit.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) a journal database in WAL mode.
func Open(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	log.Printf("[journal] opened journal at %s", dbPath)
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id    TEXT    NOT NULL,
			request_id  TEXT    NOT NULL,
			token       TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			qty         INTEGER NOT NULL,
			price       INTEGER NOT NULL,
			reason      TEXT,
			filled_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_token ON trades(token, filled_at);

		CREATE TABLE IF NOT EXISTS decisions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			token       TEXT    NOT NULL,
			from_state  TEXT    NOT NULL,
			to_state    TEXT    NOT NULL,
			price       INTEGER NOT NULL,
			qty         INTEGER NOT NULL,
			avg_price   INTEGER NOT NULL,
			reason      TEXT,
			ts          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_token ON decisions(token, ts);

		CREATE TABLE IF NOT EXISTS daily_snapshots (
			date         TEXT    NOT NULL,
			token        TEXT    NOT NULL,
			state        TEXT    NOT NULL,
			qty          INTEGER NOT NULL,
			avg_price    INTEGER NOT NULL,
			last_price   INTEGER NOT NULL,
			buy_attempts INTEGER NOT NULL,
			realized_pnl INTEGER NOT NULL,
			PRIMARY KEY (date, token)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// RecordTrade appends one fill.
func (j *Journal) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trades (order_id, request_id, token, side, qty, price, reason, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.RequestID, t.Token, string(t.Side), t.Qty, t.Price, t.Reason, t.FilledAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: trade: %w", err)
	}
	return nil
}

// RecordDecision appends one state transition.
func (j *Journal) RecordDecision(ctx context.Context, d model.DecisionRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO decisions (token, from_state, to_state, price, qty, avg_price, reason, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Token, d.From, d.To, d.Price, d.Qty, d.AvgPrice, d.Reason, d.TS.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: decision: %w", err)
	}
	return nil
}

// RecordDailySnapshots writes one session's snapshots in a single transaction.
// Re-running for the same date replaces that date's rows.
func (j *Journal) RecordDailySnapshots(ctx context.Context, snaps []model.DailySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO daily_snapshots
			(date, token, state, qty, avg_price, last_price, buy_attempts, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("journal: snapshot: %w", err)
	}
	defer stmt.Close()

	for _, s := range snaps {
		if _, err := stmt.ExecContext(ctx, s.Date, s.Token, s.State, s.Qty, s.AvgPrice,
			s.LastPrice, s.BuyAttempts, s.RealizedPnL); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal: snapshot %s: %w", s.Token, err)
		}
	}
	return tx.Commit()
}

// GetTrades returns the last limit trades, newest first.
func (j *Journal) GetTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT order_id, request_id, token, side, qty, price, reason, filled_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var (
			t    model.TradeRecord
			side string
			ts   int64
		)
		if err := rows.Scan(&t.OrderID, &t.RequestID, &t.Token, &side, &t.Qty, &t.Price, &t.Reason, &ts); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.FilledAt = time.UnixMilli(ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetDecisions returns the transitions of token in order.
func (j *Journal) GetDecisions(ctx context.Context, token string) ([]model.DecisionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT token, from_state, to_state, price, qty, avg_price, reason, ts
		 FROM decisions WHERE token = ? ORDER BY id`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DecisionRecord
	for rows.Next() {
		var (
			d  model.DecisionRecord
			ts int64
		)
		if err := rows.Scan(&d.Token, &d.From, &d.To, &d.Price, &d.Qty, &d.AvgPrice, &d.Reason, &ts); err != nil {
			return nil, err
		}
		d.TS = time.UnixMilli(ts).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDailySnapshots returns every snapshot recorded for date.
func (j *Journal) GetDailySnapshots(ctx context.Context, date string) ([]model.DailySnapshot, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT date, token, state, qty, avg_price, last_price, buy_attempts, realized_pnl
		 FROM daily_snapshots WHERE date = ? ORDER BY token`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailySnapshot
	for rows.Next() {
		var s model.DailySnapshot
		if err := rows.Scan(&s.Date, &s.Token, &s.State, &s.Qty, &s.AvgPrice, &s.LastPrice,
			&s.BuyAttempts, &s.RealizedPnL); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
