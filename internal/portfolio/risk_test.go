package portfolio

import "testing"

func TestRiskManager_DailyBuyCap(t *testing.T) {
	rm := NewRiskManager(RiskLimits{MaxDailyBuys: 2}, nil)
	for i := 0; i < 2; i++ {
		if !rm.AllowEntry() {
			t.Fatalf("entry %d should be allowed", i)
		}
		rm.RecordEntry()
	}
	if rm.AllowEntry() {
		t.Error("third entry should be blocked")
	}
	rm.ResetDaily()
	if !rm.AllowEntry() {
		t.Error("entries should resume after reset")
	}
}

func TestRiskManager_DailyLossCapHalts(t *testing.T) {
	rm := NewRiskManager(RiskLimits{MaxDailyLoss: 1000}, nil)
	rm.RecordExit("2885", 10, 10050, 10000) // -500
	if !rm.AllowEntry() {
		t.Fatal("still under the cap")
	}
	rm.RecordExit("2885", 10, 10050, 10000) // -1000
	if rm.AllowEntry() {
		t.Error("entries should halt at the loss cap")
	}
	if got := rm.RealizedPnL(); got != -1000 {
		t.Errorf("realized = %d, want -1000", got)
	}
	if rm.GetStatus()["halted"] != true {
		t.Error("status should report halted")
	}
}

func TestRiskManager_ZeroLimitsDisable(t *testing.T) {
	rm := NewRiskManager(RiskLimits{}, nil)
	for i := 0; i < 100; i++ {
		rm.RecordEntry()
	}
	rm.RecordExit("x", 1, 1_000_000, 0)
	if !rm.AllowEntry() {
		t.Error("zero limits should never block")
	}
}

func TestRiskManager_OnHaltFiresOnce(t *testing.T) {
	rm := NewRiskManager(RiskLimits{MaxDailyLoss: 500}, nil)
	var calls int
	var last int64
	rm.OnHalt = func(realized int64) {
		calls++
		last = realized
	}
	rm.RecordExit("2885", 10, 10050, 10000) // -500
	rm.RecordExit("2885", 10, 10050, 10000)
	if calls != 1 {
		t.Fatalf("OnHalt called %d times, want 1", calls)
	}
	if last != -500 {
		t.Errorf("realized at halt = %d, want -500", last)
	}
	if !rm.Halted() {
		t.Error("Halted() should be true")
	}
	rm.ResetDaily()
	if rm.Halted() {
		t.Error("reset should clear the halt")
	}
}
