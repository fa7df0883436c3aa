package broker

import (
	"context"
	"log/slog"

	"trading-breakout/internal/gateway"
	"trading-breakout/internal/model"
	"trading-breakout/internal/slot"
	"trading-breakout/pkg/smartconnect"
)

// FrameSender writes envelope frames to the broker stream.
type FrameSender interface {
	Send(ctx context.Context, f smartconnect.Outbound) error
}

// StreamTransport adapts the SmartStream envelope to the gateway transport.
type StreamTransport struct {
	s FrameSender
}

// NewStreamTransport wraps s.
func NewStreamTransport(s FrameSender) *StreamTransport {
	return &StreamTransport{s: s}
}

// Send implements gateway.Transport.
func (t *StreamTransport) Send(ctx context.Context, req gateway.Request) error {
	return t.s.Send(ctx, ToFrame(req))
}

// ToFrame encodes a gateway request as an outbound frame.
func ToFrame(req gateway.Request) smartconnect.Outbound {
	return smartconnect.Outbound{
		CorrelationID: req.CorrelationID,
		Slot:          string(req.Slot),
		Action:        string(req.Op.Kind),
		Params:        req.Op.Params,
		Continuation:  req.Continuation,
		Cursor:        req.Cursor,
	}
}

// ToEvent decodes an inbound frame. ok is false for control frames, which
// carry no request semantics.
func ToEvent(in smartconnect.Inbound) (gateway.Event, bool) {
	var kind gateway.EventKind
	switch in.Kind {
	case smartconnect.KindResponse, "":
		kind = gateway.EventResponse
	case smartconnect.KindOrderFill:
		kind = gateway.EventOrderFill
	default:
		return gateway.Event{}, false
	}
	ev := gateway.Event{
		Kind:          kind,
		CorrelationID: in.CorrelationID,
		Slot:          slot.Slot(in.Slot),
		Records:       in.Records,
		HasMore:       in.HasMore,
		Cursor:        in.Cursor,
		Message:       in.Message,
	}
	if in.Error != nil {
		ev.Err = &gateway.ErrorInfo{Code: in.Error.Code, Message: in.Error.Message}
	}
	return ev, true
}

// ToTick converts a stream tick to the model tick.
func ToTick(t smartconnect.Tick) model.Tick {
	return model.Tick{
		Token:    t.Token,
		Exchange: smartconnect.ExchangeName(t.ExchangeType),
		Price:    t.LTP,
		TickTS:   t.ExchangeTS,
	}
}

// Bridge routes stream frames into gw and ticks into onTick.
func Bridge(s *smartconnect.Stream, gw *gateway.Gateway, onTick func(model.Tick)) {
	log := slog.Default().With("component", "broker")
	s.OnFrame = func(in smartconnect.Inbound) {
		ev, ok := ToEvent(in)
		if !ok {
			log.Debug("control frame", "kind", in.Kind, "message", in.Message)
			return
		}
		gw.OnEvent(ev)
	}
	if onTick != nil {
		s.OnTick = func(t smartconnect.Tick) { onTick(ToTick(t)) }
	}
}

// Subscriptions groups the watchlist into LTP subscription entries.
func Subscriptions(watchlist []model.Instrument) []smartconnect.TokenListEntry {
	idx := map[int]int{}
	var out []smartconnect.TokenListEntry
	for _, inst := range watchlist {
		ex := smartconnect.ExchangeType(inst.Exchange)
		if ex == 0 {
			slog.Warn("unknown exchange, not subscribed", "component", "broker",
				"token", inst.Token, "exchange", inst.Exchange)
			continue
		}
		i, ok := idx[ex]
		if !ok {
			i = len(out)
			idx[ex] = i
			out = append(out, smartconnect.TokenListEntry{ExchangeType: ex})
		}
		out[i].Tokens = append(out[i].Tokens, inst.Token)
	}
	return out
}
