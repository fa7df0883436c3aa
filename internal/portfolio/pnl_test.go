package portfolio

import (
	"testing"
	"time"
)

func TestPnLTracker_RecordExit(t *testing.T) {
	p := NewPnLTracker()
	now := time.Now()

	if got := p.RecordExit("2885", 5, 10050, 10553, now); got != 2515 {
		t.Errorf("pnl = %d, want 2515", got)
	}
	p.RecordExit("1594", 2, 500, 450, now)
	p.RecordExit("1594", 0, 500, 100, now) // ignored

	if got := p.GetRealizedPnL(); got != 2415 {
		t.Errorf("realized = %d, want 2415", got)
	}
	if got := p.TokenPnL("1594"); got != -100 {
		t.Errorf("token pnl = %d", got)
	}
	s := p.GetSummary()
	if s.Exits != 2 || s.Winners != 1 || s.Losers != 1 {
		t.Errorf("summary = %+v", s)
	}

	p.Reset()
	if p.GetRealizedPnL() != 0 || len(p.GetExits()) != 0 {
		t.Error("reset should clear everything")
	}
}
