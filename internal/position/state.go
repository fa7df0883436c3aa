// Package position tracks one breakout position per symbol.
//
// A symbol moves Idle → Waiting once its reference prices are loaded, Waiting →
// Ready when price dips below the prior close and recovers on a gap-up day, and
// Ready → Bought only when the buy fill is reported. From Bought it can take a
// partial profit (PartiallySold) and eventually exits back to Waiting. Too many
// buy attempts park it in CoolDown.
package position

import "time"

// State of a tracked symbol.
type State int

const (
	Idle State = iota
	Waiting
	Ready
	Bought
	PartiallySold
	CoolDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Bought:
		return "bought"
	case PartiallySold:
		return "partially_sold"
	case CoolDown:
		return "cool_down"
	default:
		return "unknown"
	}
}

// Holding reports whether a position is open in s.
func (s State) Holding() bool { return s == Bought || s == PartiallySold }

// Decision reasons.
const (
	ReasonReferenceLoaded   = "reference_loaded"
	ReasonBreakout          = "breakout"
	ReasonBuyFilled         = "buy_filled"
	ReasonBuyFailed         = "buy_failed"
	ReasonPartialTakeProfit = "partial_take_profit"
	ReasonTakeProfit        = "take_profit"
	ReasonStopLoss          = "stop_loss"
	ReasonTrailingStop      = "trailing_stop"
	ReasonHoldingTime       = "holding_time"
	ReasonExternalExit      = "external_exit"
	ReasonPositionAdjusted  = "position_adjusted"
	ReasonInconsistent      = "inconsistent_state"
	ReasonMaxAttempts       = "max_buy_attempts"
	ReasonCooldownElapsed   = "cooldown_elapsed"
	ReasonSessionReset      = "session_reset"
)

// Holding is the open position of a symbol. It exists only while quantity > 0.
type Holding struct {
	AvgPrice  int64 // paise, weighted over entry fills
	Qty       int64
	EnteredAt time.Time
	HighWater int64 // highest price since entry
	Trailing  bool  // trailing stop armed (after the partial exit)
}

// Record is the tracking state of one symbol.
type Record struct {
	Code     string
	Exchange string
	Name     string

	Price       int64 // last observed
	RefClose    int64 // prior session close
	SessionOpen int64

	State         State
	BuyAttempts   int
	CooldownUntil time.Time
	BrokenBelow   bool // Waiting only: price seen below RefClose this session

	Holding *Holding // nil unless State.Holding()

	rev uint64
}

// Qty returns the held quantity, 0 when flat.
func (r *Record) Qty() int64 {
	if r.Holding == nil {
		return 0
	}
	return r.Holding.Qty
}

// AvgPrice returns the average entry price, 0 when flat.
func (r *Record) AvgPrice() int64 {
	if r.Holding == nil {
		return 0
	}
	return r.Holding.AvgPrice
}

// Open replaces the position with a fresh Bought holding. The high-water mark
// is never below the entry price.
func (r *Record) Open(qty, avg, highWater int64, at time.Time) {
	if highWater < avg {
		highWater = avg
	}
	r.Holding = &Holding{AvgPrice: avg, Qty: qty, EnteredAt: at, HighWater: highWater}
	r.State = Bought
	r.BrokenBelow = false
}

// Flatten clears the position and every position flag and returns to Waiting.
func (r *Record) Flatten() {
	r.Holding = nil
	r.BrokenBelow = false
	r.State = Waiting
}

func (r Record) clone() Record {
	if r.Holding != nil {
		h := *r.Holding
		r.Holding = &h
	}
	return r
}
