package model

import (
	"context"
	"time"
)

// ── Persistence Port Interfaces ──
// The trading core only appends; implementations live in internal/journal
// (SQLite) and internal/store/redis.

// TradeRecord is one executed fill.
type TradeRecord struct {
	OrderID   string    `json:"order_id"`
	RequestID string    `json:"request_id"`
	Token     string    `json:"token"`
	Side      Side      `json:"side"`
	Qty       int64     `json:"qty"`
	Price     int64     `json:"price"` // paise
	Reason    string    `json:"reason"`
	FilledAt  time.Time `json:"filled_at"`
}

// DecisionRecord is one state transition of a tracked symbol.
type DecisionRecord struct {
	Token    string    `json:"token"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Price    int64     `json:"price"`
	Qty      int64     `json:"qty"`
	AvgPrice int64     `json:"avg_price"`
	Reason   string    `json:"reason"`
	TS       time.Time `json:"ts"`
}

// DailySnapshot is the end-of-session state of one symbol.
type DailySnapshot struct {
	Date        string `json:"date"` // YYYY-MM-DD in exchange time
	Token       string `json:"token"`
	State       string `json:"state"`
	Qty         int64  `json:"qty"`
	AvgPrice    int64  `json:"avg_price"`
	LastPrice   int64  `json:"last_price"`
	BuyAttempts int    `json:"buy_attempts"`
	RealizedPnL int64  `json:"realized_pnl"` // paise, whole account
}

// TradeSink appends executed fills.
type TradeSink interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
}

// DecisionSink appends state transitions.
type DecisionSink interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
}

// SnapshotSink appends end-of-day snapshots.
type SnapshotSink interface {
	RecordDailySnapshots(ctx context.Context, snaps []DailySnapshot) error
}

// Sink bundles every append-only record stream.
type Sink interface {
	TradeSink
	DecisionSink
	SnapshotSink
}
