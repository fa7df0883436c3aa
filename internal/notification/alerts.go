package notification

import (
	"fmt"
	"sync"

	"trading-breakout/internal/model"
)

// FillAlert describes an executed order.
func FillAlert(t model.TradeRecord) Alert {
	return Alert{
		Level: AlertInfo,
		Kind:  KindFill,
		Token: t.Token,
		At:    t.FilledAt,
		Title: fmt.Sprintf("%s %s", t.Side, t.Token),
		Message: fmt.Sprintf("%d @ ₹%s (%s) order %s",
			t.Qty, rupees(t.Price), t.Reason, t.OrderID),
	}
}

// CorrectionAlert describes a reconciliation correction.
func CorrectionAlert(code, kind, detail string) Alert {
	return Alert{
		Level:   AlertWarning,
		Kind:    KindCorrection,
		Token:   code,
		Title:   "Position corrected: " + code,
		Message: kind + ": " + detail,
	}
}

// HaltAlert reports that new entries stopped for the day.
func HaltAlert(realizedPnL int64) Alert {
	return Alert{
		Level:   AlertCritical,
		Kind:    KindHalt,
		Title:   "Trading halted",
		Message: fmt.Sprintf("daily loss limit reached, realized P&L ₹%s", rupees(realizedPnL)),
	}
}

func rupees(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s%d.%02d", sign, paise/100, paise%100)
}

// FailureTracker raises one critical alert after threshold consecutive
// failures and re-arms on the next success.
type FailureTracker struct {
	mu        sync.Mutex
	name      string
	threshold int
	streak    int
	alerted   bool
}

// NewFailureTracker creates a tracker. threshold <= 0 means 3.
func NewFailureTracker(name string, threshold int) *FailureTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &FailureTracker{name: name, threshold: threshold}
}

// Observe records one outcome. It returns an alert and true exactly when the
// failure streak first reaches the threshold.
func (f *FailureTracker) Observe(err error) (Alert, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.streak = 0
		f.alerted = false
		return Alert{}, false
	}
	f.streak++
	if f.streak < f.threshold || f.alerted {
		return Alert{}, false
	}
	f.alerted = true
	return Alert{
		Level:   AlertCritical,
		Kind:    KindFailure,
		Title:   f.name + " failing",
		Message: fmt.Sprintf("%d consecutive failures, last: %v", f.streak, err),
	}, true
}
