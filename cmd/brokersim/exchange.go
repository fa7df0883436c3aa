package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"trading-breakout/internal/broker"
	"trading-breakout/internal/model"
	smartconnect "trading-breakout/pkg/smartconnect"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Token     string
	Exchange  string
	Price     int64 // current simulated price in paise
	PrevClose int64
	Open      int64
}

type position struct {
	qty int64
	avg int64
}

// exchange answers envelope requests against simulated prices and a
// simulated account. Safe for concurrent use.
type exchange struct {
	mu          sync.Mutex
	instruments map[string]*instrument
	order       []string
	holdings    map[string]*position
	seq         int

	pageSize  int
	fillDelay time.Duration
	partial   bool // fill orders in two reports

	// after schedules f; replaced in tests
	after func(d time.Duration, f func())
}

func newExchange(instruments []instrument, pageSize int, fillDelay time.Duration, partial bool) *exchange {
	if pageSize <= 0 {
		pageSize = 2
	}
	ex := &exchange{
		instruments: make(map[string]*instrument, len(instruments)),
		holdings:    make(map[string]*position),
		pageSize:    pageSize,
		fillDelay:   fillDelay,
		partial:     partial,
		after:       func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
	for i := range instruments {
		in := instruments[i]
		ex.instruments[in.Token] = &in
		ex.order = append(ex.order, in.Token)
	}
	return ex
}

// handle answers one request frame. Order fills are delivered later through push.
func (ex *exchange) handle(req smartconnect.Outbound, push func(smartconnect.Inbound)) (smartconnect.Inbound, bool) {
	switch req.Action {
	case smartconnect.ActionSubscribe:
		return smartconnect.Inbound{}, false
	case string(broker.OpReference):
		return ex.reference(req), true
	case string(broker.OpPortfolio):
		return ex.portfolio(req), true
	case string(broker.OpPlaceOrder):
		return ex.placeOrder(req, push), true
	default:
		return failure(req, "AB1004", "unknown action "+req.Action), true
	}
}

func (ex *exchange) reference(req smartconnect.Outbound) smartconnect.Inbound {
	token := str(req.Params["token"])
	ex.mu.Lock()
	in, ok := ex.instruments[token]
	var rec broker.ReferenceRecord
	if ok {
		rec = broker.ReferenceRecord{Token: in.Token, PrevClose: in.PrevClose, Open: in.Open}
	}
	ex.mu.Unlock()
	if !ok {
		return failure(req, "AB1018", "instrument not found: "+token)
	}
	return response(req, []any{rec}, false, "")
}

// portfolio pages through the holdings in token order. The cursor is the
// offset of the next page.
func (ex *exchange) portfolio(req smartconnect.Outbound) smartconnect.Inbound {
	offset := 0
	if req.Continuation {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return failure(req, "AB2001", "bad cursor "+req.Cursor)
		}
		offset = n
	}

	ex.mu.Lock()
	tokens := make([]string, 0, len(ex.holdings))
	for t, p := range ex.holdings {
		if p.qty > 0 {
			tokens = append(tokens, t)
		}
	}
	sort.Strings(tokens)
	var page []any
	end := offset + ex.pageSize
	if end > len(tokens) {
		end = len(tokens)
	}
	for _, t := range tokens[min(offset, len(tokens)):end] {
		p := ex.holdings[t]
		var ltp int64
		if in := ex.instruments[t]; in != nil {
			ltp = in.Price
		}
		page = append(page, broker.HoldingRecord{Token: t, Qty: p.qty, AvgPrice: p.avg, LTP: ltp})
	}
	ex.mu.Unlock()

	more := end < len(tokens)
	cursor := ""
	if more {
		cursor = strconv.Itoa(end)
	}
	return response(req, page, more, cursor)
}

func (ex *exchange) placeOrder(req smartconnect.Outbound, push func(smartconnect.Inbound)) smartconnect.Inbound {
	token := str(req.Params["token"])
	side := model.Side(str(req.Params["side"]))
	qty := num(req.Params["qty"])
	requestID := str(req.Params["requestID"])

	ex.mu.Lock()
	_, known := ex.instruments[token]
	held := int64(0)
	if p := ex.holdings[token]; p != nil {
		held = p.qty
	}
	ex.seq++
	orderID := fmt.Sprintf("SIM-%06d", ex.seq)
	ex.mu.Unlock()

	switch {
	case !known:
		return failure(req, "AB1018", "instrument not found: "+token)
	case qty <= 0:
		return failure(req, "AB4008", "quantity must be positive")
	case side != model.SideBuy && side != model.SideSell:
		return failure(req, "AB4007", "unknown side "+string(side))
	case side == model.SideSell && qty > held:
		return failure(req, "AB4036", fmt.Sprintf("sell %d exceeds holding %d", qty, held))
	}

	log.Printf("[brokersim] order %s %s %s qty=%d", orderID, side, token, qty)
	ex.after(ex.fillDelay, func() { ex.fill(orderID, requestID, token, side, qty, push) })
	return response(req, []any{broker.OrderAck{OrderID: orderID, RequestID: requestID}}, false, "")
}

// fill executes the order at the current price and pushes the reports.
func (ex *exchange) fill(orderID, requestID, token string, side model.Side, qty int64, push func(smartconnect.Inbound)) {
	lots := []int64{qty}
	if ex.partial && qty > 1 {
		lots = []int64{qty / 2, qty - qty/2}
	}
	remaining := qty
	for _, lot := range lots {
		ex.mu.Lock()
		px := ex.instruments[token].Price
		p := ex.holdings[token]
		if p == nil {
			p = &position{}
			ex.holdings[token] = p
		}
		if side == model.SideBuy {
			p.avg = (p.avg*p.qty + px*lot) / (p.qty + lot)
			p.qty += lot
		} else {
			p.qty -= lot
			if p.qty <= 0 {
				delete(ex.holdings, token)
			}
		}
		ex.mu.Unlock()

		remaining -= lot
		status := model.OrderPartial
		if remaining == 0 {
			status = model.OrderComplete
		}
		push(smartconnect.Inbound{
			Kind: smartconnect.KindOrderFill,
			Records: marshal([]any{broker.FillRecord{
				OrderID:      orderID,
				RequestID:    requestID,
				FilledQty:    lot,
				RemainingQty: remaining,
				FillPrice:    px,
				Status:       status,
			}}),
		})
	}
}

// walk applies a small random walk to every price and returns the ticks.
func (ex *exchange) walk(rng *rand.Rand, seq int64, now time.Time) []smartconnect.Tick {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ticks := make([]smartconnect.Tick, 0, len(ex.order))
	for _, t := range ex.order {
		in := ex.instruments[t]
		in.Price = walkPrice(rng, in.Price)
		ticks = append(ticks, smartconnect.Tick{
			Mode:         smartconnect.ModeLTP,
			ExchangeType: smartconnect.ExchangeType(in.Exchange),
			Token:        in.Token,
			Sequence:     seq,
			ExchangeTS:   now,
			LTP:          in.Price,
		})
	}
	return ticks
}

// walkPrice moves price by up to ±0.1%.
func walkPrice(rng *rand.Rand, price int64) int64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price + int64(float64(price)*pct)
	if next < 100 {
		next = 100
	}
	return next
}

func response(req smartconnect.Outbound, records []any, more bool, cursor string) smartconnect.Inbound {
	return smartconnect.Inbound{
		CorrelationID: req.CorrelationID,
		Slot:          req.Slot,
		Kind:          smartconnect.KindResponse,
		Records:       marshal(records),
		HasMore:       more,
		Cursor:        cursor,
	}
}

func failure(req smartconnect.Outbound, code, msg string) smartconnect.Inbound {
	return smartconnect.Inbound{
		CorrelationID: req.CorrelationID,
		Slot:          req.Slot,
		Kind:          smartconnect.KindResponse,
		Error:         &smartconnect.FrameError{Code: code, Message: msg},
	}
}

func marshal(records []any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num reads a JSON number param.
func num(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
