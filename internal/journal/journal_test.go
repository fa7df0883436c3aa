package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-breakout/internal/model"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "day", "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("journal file: %v", err)
	}
}

func TestOpen_ReportsUnusableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(filepath.Join(file, "journal.db"))
	if err == nil || !strings.Contains(err.Error(), "journal: create dir") {
		t.Errorf("err = %v, want create dir failure", err)
	}
}

func TestJournal_Trades(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)

	for i, px := range []int64{10050, 10553} {
		side := model.SideBuy
		if i == 1 {
			side = model.SideSell
		}
		err := j.RecordTrade(ctx, model.TradeRecord{
			OrderID: "B-1", RequestID: "r", Token: "2885", Side: side,
			Qty: 10, Price: px, Reason: "breakout", FilledAt: at,
		})
		if err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}

	trades, err := j.GetTrades(ctx, 10)
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].Side != model.SideSell || trades[0].Price != 10553 {
		t.Errorf("newest trade = %+v", trades[0])
	}
	if !trades[1].FilledAt.Equal(at) {
		t.Errorf("filled_at = %v, want %v", trades[1].FilledAt, at)
	}
}

func TestJournal_Decisions(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	steps := [][2]string{{"idle", "waiting"}, {"waiting", "ready"}, {"ready", "bought"}}
	for _, s := range steps {
		if err := j.RecordDecision(ctx, model.DecisionRecord{Token: "2885", From: s[0], To: s[1], TS: time.Now()}); err != nil {
			t.Fatalf("record decision: %v", err)
		}
	}
	_ = j.RecordDecision(ctx, model.DecisionRecord{Token: "1594", From: "idle", To: "waiting", TS: time.Now()})

	got, err := j.GetDecisions(ctx, "2885")
	if err != nil {
		t.Fatalf("get decisions: %v", err)
	}
	if len(got) != 3 || got[2].To != "bought" {
		t.Errorf("decisions = %+v", got)
	}
}

func TestJournal_DailySnapshotsReplaceSameDate(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	snaps := []model.DailySnapshot{
		{Date: "2026-03-02", Token: "2885", State: "waiting", LastPrice: 10780, RealizedPnL: 6165},
		{Date: "2026-03-02", Token: "1594", State: "cool_down", BuyAttempts: 3, RealizedPnL: 6165},
	}
	if err := j.RecordDailySnapshots(ctx, snaps); err != nil {
		t.Fatalf("record: %v", err)
	}
	snaps[0].State = "bought"
	if err := j.RecordDailySnapshots(ctx, snaps[:1]); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	got, err := j.GetDailySnapshots(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[1].Token != "2885" || got[1].State != "bought" {
		t.Errorf("row = %+v", got[1])
	}
	if err := j.RecordDailySnapshots(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}
