package model

import "time"

// Tick is a last-traded-price update for one instrument.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	Price    int64     `json:"price"`   // paise (LTP)
	TickTS   time.Time `json:"tick_ts"` // UTC timestamp
}
