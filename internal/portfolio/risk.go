package portfolio

import (
	"log"
	"sync"
	"time"
)

// RiskLimits defines the account-wide daily thresholds.
type RiskLimits struct {
	MaxDailyBuys int   `json:"max_daily_buys"` // buy orders submitted per session
	MaxDailyLoss int64 `json:"max_daily_loss"` // paise, 0 disables
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxDailyBuys: 20,
		MaxDailyLoss: 500000, // ₹5,000
	}
}

// RiskManager gates new entries on the daily limits. Exits are never blocked.
type RiskManager struct {
	mu     sync.RWMutex
	limits RiskLimits
	pnl    *PnLTracker
	now    func() time.Time

	dailyBuys int
	halted    bool

	// OnHalt is called once when the loss cap halts entries. It runs on the
	// exit path and must not block.
	OnHalt func(realized int64)
}

// NewRiskManager creates a RiskManager with the given limits.
func NewRiskManager(limits RiskLimits, pnl *PnLTracker) *RiskManager {
	if pnl == nil {
		pnl = NewPnLTracker()
	}
	return &RiskManager{limits: limits, pnl: pnl, now: time.Now}
}

// AllowEntry reports whether another buy may be submitted today.
func (rm *RiskManager) AllowEntry() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.halted {
		return false
	}
	if rm.limits.MaxDailyBuys > 0 && rm.dailyBuys >= rm.limits.MaxDailyBuys {
		return false
	}
	return true
}

// RecordEntry counts one submitted buy.
func (rm *RiskManager) RecordEntry() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyBuys++
	if rm.limits.MaxDailyBuys > 0 && rm.dailyBuys == rm.limits.MaxDailyBuys {
		log.Printf("[risk] daily buy limit reached: %d", rm.dailyBuys)
	}
}

// RecordExit books realized P&L and halts new entries past the daily loss cap.
func (rm *RiskManager) RecordExit(token string, qty, entryPrice, exitPrice int64) {
	pnl := rm.pnl.RecordExit(token, qty, entryPrice, exitPrice, rm.now())
	total := rm.pnl.GetRealizedPnL()

	rm.mu.Lock()
	halt := rm.limits.MaxDailyLoss > 0 && total <= -rm.limits.MaxDailyLoss && !rm.halted
	if halt {
		rm.halted = true
		log.Printf("[risk] daily loss cap hit: realized %d paise, entries halted", total)
	}
	rm.mu.Unlock()
	log.Printf("[risk] %s exit qty=%d pnl=%d daily=%d", token, qty, pnl, total)
	if halt && rm.OnHalt != nil {
		rm.OnHalt(total)
	}
}

// Halted reports whether the loss cap has stopped new entries today.
func (rm *RiskManager) Halted() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.halted
}

// RealizedPnL returns the session's realized P&L in paise.
func (rm *RiskManager) RealizedPnL() int64 { return rm.pnl.GetRealizedPnL() }

// ResetDaily resets the daily counters (call at market open).
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyBuys = 0
	rm.halted = false
	rm.pnl.Reset()
}

// GetStatus returns current risk status.
func (rm *RiskManager) GetStatus() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return map[string]interface{}{
		"daily_buys":   rm.dailyBuys,
		"realized_pnl": rm.pnl.GetRealizedPnL(),
		"halted":       rm.halted,
		"limits":       rm.limits,
	}
}
