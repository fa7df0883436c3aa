package position

import (
	"time"

	"trading-breakout/internal/model"
)

// ActiveOrder is an order the machine has submitted and not yet seen finish.
type ActiveOrder struct {
	RequestID     string
	BrokerOrderID string // set by the placement ack
	Code          string
	Side          model.Side
	RequestedQty  int64
	FilledQty     int64
	Price         int64 // limit
	Reason        string
	Status        model.OrderStatus
	PlacedAt      time.Time

	filledValue int64 // Σ qty × price over fills
	exit        bool  // sell closes the whole position
}

// AvgFillPrice is the quantity-weighted fill price so far.
func (o *ActiveOrder) AvgFillPrice() int64 {
	if o.FilledQty == 0 {
		return 0
	}
	return o.filledValue / o.FilledQty
}

func (o *ActiveOrder) apply(f model.FillEvent) {
	if f.FilledQty > 0 {
		o.FilledQty += f.FilledQty
		o.filledValue += f.FilledQty * f.FillPrice
	}
	if f.Status != "" {
		o.Status = f.Status
	}
}

// complete reports whether the requested quantity has been filled, or the
// broker has declared the order complete.
func (o *ActiveOrder) complete() bool {
	return o.FilledQty >= o.RequestedQty || o.Status == model.OrderComplete
}

// tracker indexes active orders by request id, broker order id and symbol.
// At most one order per symbol. Guarded by the machine's lock.
type tracker struct {
	byRequest map[string]*ActiveOrder
	byBroker  map[string]*ActiveOrder
	byCode    map[string]*ActiveOrder
}

func newTracker() *tracker {
	return &tracker{
		byRequest: make(map[string]*ActiveOrder),
		byBroker:  make(map[string]*ActiveOrder),
		byCode:    make(map[string]*ActiveOrder),
	}
}

func (t *tracker) add(o *ActiveOrder) {
	t.byRequest[o.RequestID] = o
	t.byCode[o.Code] = o
}

func (t *tracker) bind(requestID, brokerID string) *ActiveOrder {
	o := t.byRequest[requestID]
	if o == nil || brokerID == "" {
		return o
	}
	o.BrokerOrderID = brokerID
	t.byBroker[brokerID] = o
	return o
}

// find resolves a fill to its order by either reference.
func (t *tracker) find(f model.FillEvent) *ActiveOrder {
	if o := t.byBroker[f.OrderRef]; o != nil {
		return o
	}
	if o := t.byRequest[f.OrderRef]; o != nil {
		return o
	}
	if f.RequestID != "" {
		return t.byRequest[f.RequestID]
	}
	return nil
}

func (t *tracker) forCode(code string) *ActiveOrder { return t.byCode[code] }

func (t *tracker) remove(o *ActiveOrder) {
	delete(t.byRequest, o.RequestID)
	if o.BrokerOrderID != "" {
		delete(t.byBroker, o.BrokerOrderID)
	}
	if t.byCode[o.Code] == o {
		delete(t.byCode, o.Code)
	}
}

func (t *tracker) len() int { return len(t.byRequest) }

func (t *tracker) list() []ActiveOrder {
	out := make([]ActiveOrder, 0, len(t.byRequest))
	for _, o := range t.byRequest {
		out = append(out, *o)
	}
	return out
}
