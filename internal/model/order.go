package model

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the broker-reported status carried on a fill push.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderComplete, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is what the position machine asks the broker to execute.
type OrderRequest struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Exchange  string `json:"exchange"`
	Side      Side   `json:"side"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price"` // limit price in paise (0 for market)
	Reason    string `json:"reason"`
}

// FillEvent is an asynchronous execution report pushed by the broker.
// OrderRef is either the broker order id or the client request id.
type FillEvent struct {
	OrderRef     string      `json:"order_ref"`
	RequestID    string      `json:"request_id,omitempty"` // set when the broker echoes it
	FilledQty    int64       `json:"filled_qty"`    // quantity filled by this report
	RemainingQty int64       `json:"remaining_qty"` // quantity still open after it
	FillPrice    int64       `json:"fill_price"`    // paise
	Status       OrderStatus `json:"status"`
}
