// Package broker exposes typed account operations over the request gateway
// and decodes the fill reports the broker pushes on its own.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"trading-breakout/internal/gateway"
	"trading-breakout/internal/model"
)

// Operation kinds understood by the broker.
const (
	OpPortfolio  gateway.OpKind = "portfolio"
	OpReference  gateway.OpKind = "reference"
	OpPlaceOrder gateway.OpKind = "place_order"
)

var (
	ErrNoReference = errors.New("broker: no reference prices")
	ErrNoOrderID   = errors.New("broker: order ack without order id")
)

// HoldingRecord is one page entry of a portfolio query.
type HoldingRecord struct {
	Token    string `json:"token"`
	Qty      int64  `json:"qty"`
	AvgPrice int64  `json:"avgPrice"`
	LTP      int64  `json:"ltp"`
}

// ReferenceRecord carries the prior close and today's open for one instrument.
type ReferenceRecord struct {
	Token     string `json:"token"`
	PrevClose int64  `json:"prevClose"`
	Open      int64  `json:"open"`
}

// OrderAck is the single record returned for an accepted order.
type OrderAck struct {
	OrderID   string `json:"orderID"`
	RequestID string `json:"requestID"`
}

// FillRecord is one execution report inside an order_fill push.
type FillRecord struct {
	OrderID      string            `json:"orderID"`
	RequestID    string            `json:"requestID"`
	FilledQty    int64             `json:"filledQty"`
	RemainingQty int64             `json:"remainingQty"`
	FillPrice    int64             `json:"fillPrice"`
	Status       model.OrderStatus `json:"status"`
}

// Requester is the part of the gateway the client needs.
type Requester interface {
	Do(ctx context.Context, op gateway.Op, correlationHint string) (gateway.Result, error)
}

// Client issues broker operations through a Requester.
type Client struct {
	gw  Requester
	log *slog.Logger
}

// NewClient creates a broker client.
func NewClient(gw Requester) *Client {
	return &Client{gw: gw, log: slog.Default().With("component", "broker")}
}

// FetchPortfolioSnapshot returns every holding the broker reports, keyed by token.
// The query may span several pages; the gateway concatenates them.
func (c *Client) FetchPortfolioSnapshot(ctx context.Context) (model.PortfolioSnapshot, error) {
	res, err := c.gw.Do(ctx, gateway.Op{Kind: OpPortfolio}, "")
	if err != nil {
		return nil, fmt.Errorf("broker: portfolio: %w", err)
	}
	snap := make(model.PortfolioSnapshot, len(res.Records))
	for _, raw := range res.Records {
		var h HoldingRecord
		if err := json.Unmarshal(raw, &h); err != nil {
			c.log.Warn("skipping malformed holding", "error", err, "correlation_id", res.CorrelationID)
			continue
		}
		if h.Token == "" {
			continue
		}
		// a token reported on several pages (multiple lots) is summed
		prev := snap[h.Token]
		snap[h.Token] = mergeHolding(prev, h)
	}
	return snap, nil
}

func mergeHolding(prev model.Holding, h HoldingRecord) model.Holding {
	total := prev.Qty + h.Qty
	avg := h.AvgPrice
	if prev.Qty > 0 && total > 0 {
		avg = (prev.AvgPrice*prev.Qty + h.AvgPrice*h.Qty) / total
	}
	return model.Holding{Qty: total, AvgPrice: avg, CurrentPrice: h.LTP}
}

// FetchReference returns the prior session close and today's open for inst.
func (c *Client) FetchReference(ctx context.Context, inst model.Instrument) (refClose, sessionOpen int64, err error) {
	op := gateway.Op{Kind: OpReference, Params: map[string]any{
		"token":    inst.Token,
		"exchange": inst.Exchange,
	}}
	res, err := c.gw.Do(ctx, op, "")
	if err != nil {
		return 0, 0, fmt.Errorf("broker: reference %s: %w", inst.Token, err)
	}
	for _, raw := range res.Records {
		var r ReferenceRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return 0, 0, fmt.Errorf("broker: reference %s: decode: %w", inst.Token, err)
		}
		if r.Token == inst.Token && r.PrevClose > 0 && r.Open > 0 {
			return r.PrevClose, r.Open, nil
		}
	}
	return 0, 0, fmt.Errorf("%w for %s", ErrNoReference, inst.Token)
}

// PlaceOrder submits req and returns the broker order id from the ack.
// The request id doubles as the correlation id, so a retried submission of
// the same request is rejected as a duplicate while the first is in flight.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	op := gateway.Op{Kind: OpPlaceOrder, Params: map[string]any{
		"requestID": req.RequestID,
		"token":     req.Token,
		"exchange":  req.Exchange,
		"side":      string(req.Side),
		"qty":       req.Qty,
		"price":     req.Price,
		"tag":       req.Reason,
	}}
	res, err := c.gw.Do(ctx, op, req.RequestID)
	if err != nil {
		return "", fmt.Errorf("broker: place %s %s: %w", req.Side, req.Token, err)
	}
	for _, raw := range res.Records {
		var ack OrderAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return "", fmt.Errorf("broker: place %s: decode ack: %w", req.Token, err)
		}
		if ack.OrderID != "" {
			return ack.OrderID, nil
		}
	}
	return "", ErrNoOrderID
}

// DecodeFills converts an order_fill push into fill events. OrderRef is the
// broker order id when present, else the request id.
func DecodeFills(ev gateway.Event) []model.FillEvent {
	out := make([]model.FillEvent, 0, len(ev.Records))
	for _, raw := range ev.Records {
		var r FillRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			slog.Warn("skipping malformed fill", "component", "broker", "error", err)
			continue
		}
		ref := r.OrderID
		if ref == "" {
			ref = r.RequestID
		}
		if ref == "" {
			continue
		}
		out = append(out, model.FillEvent{
			OrderRef:     ref,
			RequestID:    r.RequestID,
			FilledQty:    r.FilledQty,
			RemainingQty: r.RemainingQty,
			FillPrice:    r.FillPrice,
			Status:       r.Status,
		})
	}
	return out
}

// FillHandler adapts fn into a gateway push handler.
func FillHandler(fn func(model.FillEvent)) gateway.PushHandler {
	return func(ev gateway.Event) {
		for _, f := range DecodeFills(ev) {
			fn(f)
		}
	}
}
