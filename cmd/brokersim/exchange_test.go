package main

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"trading-breakout/internal/broker"
	"trading-breakout/internal/model"
	smartconnect "trading-breakout/pkg/smartconnect"
)

func testExchange(partial bool) *exchange {
	ex := newExchange(parseInstruments("2885:NSE,11536:NSE,1594:NSE", 50), 2, 0, partial)
	ex.after = func(_ time.Duration, f func()) { f() }
	return ex
}

func buy(t *testing.T, ex *exchange, token string, qty int64) []smartconnect.Inbound {
	t.Helper()
	var pushed []smartconnect.Inbound
	resp, ok := ex.handle(smartconnect.Outbound{
		CorrelationID: "req-" + token,
		Slot:          "2001",
		Action:        string(broker.OpPlaceOrder),
		Params: map[string]any{
			"requestID": "req-" + token, "token": token, "side": "BUY", "qty": float64(qty),
		},
	}, func(in smartconnect.Inbound) { pushed = append(pushed, in) })
	if !ok || resp.Error != nil {
		t.Fatalf("place order failed: %+v", resp.Error)
	}
	return pushed
}

func TestReference(t *testing.T) {
	ex := testExchange(false)
	resp, _ := ex.handle(smartconnect.Outbound{CorrelationID: "c1", Slot: "2001", Action: "reference",
		Params: map[string]any{"token": "2885"}}, nil)
	if resp.Error != nil || len(resp.Records) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	var rec broker.ReferenceRecord
	if err := json.Unmarshal(resp.Records[0], &rec); err != nil {
		t.Fatal(err)
	}
	if rec.PrevClose != 1450_00 || rec.Open <= rec.PrevClose {
		t.Errorf("reference = %+v, want gap-up open above 145000", rec)
	}
	if resp.CorrelationID != "c1" || resp.Slot != "2001" {
		t.Errorf("response not correlated: %+v", resp)
	}

	resp, _ = ex.handle(smartconnect.Outbound{CorrelationID: "c2", Action: "reference",
		Params: map[string]any{"token": "999"}}, nil)
	if resp.Error == nil {
		t.Error("unknown token should fail")
	}
}

func TestPlaceOrderFillsAndPagesPortfolio(t *testing.T) {
	ex := testExchange(false)
	for _, tok := range []string{"2885", "11536", "1594"} {
		pushed := buy(t, ex, tok, 3)
		if len(pushed) != 1 || pushed[0].Kind != smartconnect.KindOrderFill {
			t.Fatalf("want one fill push, got %+v", pushed)
		}
		var f broker.FillRecord
		json.Unmarshal(pushed[0].Records[0], &f)
		if f.FilledQty != 3 || f.RemainingQty != 0 || f.Status != model.OrderComplete {
			t.Errorf("fill = %+v", f)
		}
	}

	first, _ := ex.handle(smartconnect.Outbound{CorrelationID: "p", Action: "portfolio"}, nil)
	if len(first.Records) != 2 || !first.HasMore || first.Cursor != "2" {
		t.Fatalf("first page = %d records more=%v cursor=%q", len(first.Records), first.HasMore, first.Cursor)
	}
	second, _ := ex.handle(smartconnect.Outbound{CorrelationID: "p", Action: "portfolio",
		Continuation: true, Cursor: first.Cursor}, nil)
	if len(second.Records) != 1 || second.HasMore {
		t.Fatalf("second page = %d records more=%v", len(second.Records), second.HasMore)
	}
}

func TestPartialFillsReportTwice(t *testing.T) {
	ex := testExchange(true)
	pushed := buy(t, ex, "2885", 5)
	if len(pushed) != 2 {
		t.Fatalf("want 2 fill reports, got %d", len(pushed))
	}
	var a, b broker.FillRecord
	json.Unmarshal(pushed[0].Records[0], &a)
	json.Unmarshal(pushed[1].Records[0], &b)
	if a.Status != model.OrderPartial || a.RemainingQty != 3 {
		t.Errorf("first report = %+v", a)
	}
	if b.Status != model.OrderComplete || a.FilledQty+b.FilledQty != 5 {
		t.Errorf("second report = %+v", b)
	}
}

func TestSellBeyondHoldingRejected(t *testing.T) {
	ex := testExchange(false)
	resp, _ := ex.handle(smartconnect.Outbound{CorrelationID: "s", Action: "place_order",
		Params: map[string]any{"token": "2885", "side": "SELL", "qty": float64(1)}}, nil)
	if resp.Error == nil {
		t.Error("selling a flat symbol should be rejected")
	}
}

func TestSubscribeIsNotAnswered(t *testing.T) {
	ex := testExchange(false)
	if _, ok := ex.handle(smartconnect.Outbound{CorrelationID: "subscribe", Action: "subscribe"}, nil); ok {
		t.Error("subscribe must not produce a response frame")
	}
}

func TestWalkEncodesTicks(t *testing.T) {
	ex := testExchange(false)
	ticks := ex.walk(rand.New(rand.NewSource(1)), 7, time.UnixMilli(1700000000000))
	if len(ticks) != 3 {
		t.Fatalf("got %d ticks", len(ticks))
	}
	got, err := smartconnect.ParseTick(smartconnect.EncodeTick(ticks[0]))
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "2885" || got.ExchangeType != smartconnect.NSE_CM || got.Sequence != 7 || got.LTP != ticks[0].LTP {
		t.Errorf("round trip = %+v", got)
	}
}
