package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-breakout/internal/model"
)

type flakySink struct {
	mu        sync.Mutex
	fail      bool
	decisions []model.DecisionRecord
	trades    []model.TradeRecord
	daily     int
}

func (f *flakySink) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakySink) err() error {
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakySink) RecordTrade(_ context.Context, t model.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.trades = append(f.trades, t)
	return nil
}

func (f *flakySink) RecordDecision(_ context.Context, d model.DecisionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *flakySink) RecordDailySnapshots(_ context.Context, s []model.DailySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.daily += len(s)
	return nil
}

func (f *flakySink) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions), len(f.trades), f.daily
}

func TestBufferedSink_PassThrough(t *testing.T) {
	sink := &flakySink{}
	bs := NewBufferedSink(context.Background(), sink, NewCircuitBreaker(2, time.Second), 10)
	ctx := context.Background()

	bs.RecordDecision(ctx, model.DecisionRecord{Token: "2885"})
	bs.RecordTrade(ctx, model.TradeRecord{Token: "2885"})
	bs.RecordDailySnapshots(ctx, []model.DailySnapshot{{Token: "2885"}, {Token: "1594"}})

	d, tr, daily := sink.counts()
	if d != 1 || tr != 1 || daily != 2 {
		t.Errorf("got decisions=%d trades=%d daily=%d", d, tr, daily)
	}
	if bs.PendingCount() != 0 {
		t.Errorf("expected empty buffer, got %d", bs.PendingCount())
	}
}

func TestBufferedSink_BuffersAndReplaysInOrder(t *testing.T) {
	sink := &flakySink{fail: true}
	cb := NewCircuitBreaker(1, 30*time.Millisecond)
	bs := NewBufferedSink(context.Background(), sink, cb, 10)
	flushed := make(chan int, 1)
	bs.OnFlush = func(n int) { flushed <- n }
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		if err := bs.RecordDecision(ctx, model.DecisionRecord{Token: tok}); err != nil {
			t.Fatalf("buffered write returned %v", err)
		}
	}
	if bs.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", bs.PendingCount())
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open breaker, got %v", cb.CurrentState())
	}

	sink.setFail(false)
	time.Sleep(40 * time.Millisecond)
	bs.RecordDecision(ctx, model.DecisionRecord{Token: "d"})

	select {
	case n := <-flushed:
		if n != 3 {
			t.Errorf("flushed %d, want 3", n)
		}
	case <-time.After(time.Second):
		t.Fatal("buffer never flushed")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var got string
	for _, d := range sink.decisions {
		got += d.Token
	}
	if got != "dabc" {
		t.Errorf("replay order = %q, want probe then buffered a,b,c", got)
	}
}

func TestBufferedSink_DropsOldestWhenFull(t *testing.T) {
	sink := &flakySink{fail: true}
	bs := NewBufferedSink(context.Background(), sink, NewCircuitBreaker(1, time.Hour), 2)
	drops := 0
	bs.OnDrop = func() { drops++ }

	for i := 0; i < 4; i++ {
		bs.RecordTrade(context.Background(), model.TradeRecord{Qty: int64(i)})
	}
	if bs.PendingCount() != 2 || drops != 2 {
		t.Errorf("pending=%d drops=%d", bs.PendingCount(), drops)
	}
	if q := bs.buffer[0].trade.Qty; q != 2 {
		t.Errorf("oldest kept qty = %d, want 2", q)
	}
}

func TestKeys(t *testing.T) {
	if latestKey("2885") != "pos:latest:2885" {
		t.Error(latestKey("2885"))
	}
	if dailyKey("2026-03-02") != "pos:daily:2026-03-02" {
		t.Error(dailyKey("2026-03-02"))
	}
	if stateChannel("2885") != "pub:pos:2885" || tradeChannel("2885") != "pub:trade:2885" {
		t.Error("channel names")
	}
}
