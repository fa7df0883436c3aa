package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-breakout/internal/gateway"
	"trading-breakout/internal/model"
	"trading-breakout/pkg/smartconnect"
)

type captureSender struct{ frames []smartconnect.Outbound }

func (c *captureSender) Send(_ context.Context, f smartconnect.Outbound) error {
	c.frames = append(c.frames, f)
	return nil
}

func TestStreamTransport_EncodesRequest(t *testing.T) {
	cs := &captureSender{}
	tr := NewStreamTransport(cs)
	err := tr.Send(context.Background(), gateway.Request{
		CorrelationID: "c1", Slot: "2001",
		Op:           gateway.Op{Kind: OpPortfolio, Params: map[string]any{"page": 2}},
		Continuation: true, Cursor: "p2",
	})
	require.NoError(t, err)
	require.Len(t, cs.frames, 1)
	assert.Equal(t, smartconnect.Outbound{
		CorrelationID: "c1", Slot: "2001", Action: "portfolio",
		Params: map[string]any{"page": 2}, Continuation: true, Cursor: "p2",
	}, cs.frames[0])
}

func TestToEvent(t *testing.T) {
	ev, ok := ToEvent(smartconnect.Inbound{
		CorrelationID: "c1", Slot: "2001", Kind: "response",
		Records: []json.RawMessage{json.RawMessage(`{}`)}, HasMore: true, Cursor: "p2",
		Error: &smartconnect.FrameError{Code: "AB1", Message: "rate"}, Message: "note",
	})
	require.True(t, ok)
	assert.Equal(t, gateway.EventResponse, ev.Kind)
	assert.Equal(t, "2001", string(ev.Slot))
	assert.True(t, ev.HasMore)
	assert.Equal(t, &gateway.ErrorInfo{Code: "AB1", Message: "rate"}, ev.Err)
	assert.Equal(t, "note", ev.Message)

	ev, ok = ToEvent(smartconnect.Inbound{Kind: "order_fill"})
	require.True(t, ok)
	assert.Equal(t, gateway.EventOrderFill, ev.Kind)

	_, ok = ToEvent(smartconnect.Inbound{Kind: "control", Message: "subscribed"})
	assert.False(t, ok)
}

func TestToTickAndSubscriptions(t *testing.T) {
	ts := time.UnixMilli(1772424000000).UTC()
	tk := ToTick(smartconnect.Tick{ExchangeType: smartconnect.NSE_CM, Token: "2885", LTP: 10050, ExchangeTS: ts})
	assert.Equal(t, model.Tick{Token: "2885", Exchange: "NSE", Price: 10050, TickTS: ts}, tk)

	subs := Subscriptions([]model.Instrument{
		{Token: "2885", Exchange: "NSE"}, {Token: "500325", Exchange: "BSE"},
		{Token: "1594", Exchange: "NSE"}, {Token: "x", Exchange: "??"},
	})
	assert.Equal(t, []smartconnect.TokenListEntry{
		{ExchangeType: smartconnect.NSE_CM, Tokens: []string{"2885", "1594"}},
		{ExchangeType: smartconnect.BSE_CM, Tokens: []string{"500325"}},
	}, subs)
}
