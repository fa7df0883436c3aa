// Package portfolio accounts realized P&L and enforces the account-wide
// daily limits on new entries.
package portfolio

import (
	"sync"
	"time"
)

// Exit is one realized sale against an average entry.
type Exit struct {
	Token      string    `json:"token"`
	Qty        int64     `json:"qty"`
	EntryPrice int64     `json:"entry_price"` // paise
	ExitPrice  int64     `json:"exit_price"`  // paise
	PnL        int64     `json:"pnl"`         // paise
	Timestamp  time.Time `json:"timestamp"`
}

// PnLTracker tracks realized P&L per token and in total.
type PnLTracker struct {
	mu    sync.RWMutex
	exits []Exit

	// Realized P&L from closed quantity (in paise)
	realizedPnL int64
	byToken     map[string]int64
}

// NewPnLTracker creates a new P&L tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		exits:   make([]Exit, 0, 64),
		byToken: make(map[string]int64),
	}
}

// RecordExit books qty sold at exitPrice against entryPrice and returns the realized P&L.
func (p *PnLTracker) RecordExit(token string, qty, entryPrice, exitPrice int64, ts time.Time) int64 {
	if qty <= 0 {
		return 0
	}
	pnl := (exitPrice - entryPrice) * qty

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits = append(p.exits, Exit{
		Token:      token,
		Qty:        qty,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		Timestamp:  ts,
	})
	p.realizedPnL += pnl
	p.byToken[token] += pnl
	return pnl
}

// GetRealizedPnL returns total realized P&L in paise.
func (p *PnLTracker) GetRealizedPnL() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// TokenPnL returns realized P&L for one token.
func (p *PnLTracker) TokenPnL(token string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byToken[token]
}

// GetExits returns a snapshot of all exits.
func (p *PnLTracker) GetExits() []Exit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Exit, len(p.exits))
	copy(cp, p.exits)
	return cp
}

// PnLSummary is the realized P&L summary.
type PnLSummary struct {
	RealizedPnL int64 `json:"realized_pnl"`
	Exits       int   `json:"exits"`
	Winners     int   `json:"winners"`
	Losers      int   `json:"losers"`
}

// GetSummary returns the current P&L summary.
func (p *PnLTracker) GetSummary() PnLSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := PnLSummary{RealizedPnL: p.realizedPnL, Exits: len(p.exits)}
	for _, e := range p.exits {
		switch {
		case e.PnL > 0:
			s.Winners++
		case e.PnL < 0:
			s.Losers++
		}
	}
	return s
}

// Reset clears everything (call at session start).
func (p *PnLTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits = p.exits[:0]
	p.realizedPnL = 0
	p.byToken = make(map[string]int64)
}
