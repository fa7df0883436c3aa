// Package api provides the read-only operator HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"trading-breakout/internal/model"
	"trading-breakout/internal/position"
	"trading-breakout/internal/slot"
)

// History is the journal query surface.
type History interface {
	GetTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)
	GetDecisions(ctx context.Context, token string) ([]model.DecisionRecord, error)
	GetDailySnapshots(ctx context.Context, date string) ([]model.DailySnapshot, error)
}

// Book is the live position view.
type Book interface {
	Records() []position.Record
	ActiveOrders() []position.ActiveOrder
}

// Live is the state of the running session.
type Live struct {
	Book  Book
	Risk  interface{ GetStatus() map[string]interface{} }
	Slots interface{ Stats() slot.Stats }
}

// Router serves the API. Live endpoints answer 503 between sessions.
type Router struct {
	history History
	live    atomic.Pointer[Live]
}

// NewRouter creates a router over history.
func NewRouter(history History) *Router {
	return &Router{history: history}
}

// SetLive swaps the session view; nil clears it.
func (rt *Router) SetLive(l *Live) { rt.live.Store(l) }

type positionView struct {
	Token         string    `json:"token"`
	Name          string    `json:"name,omitempty"`
	State         string    `json:"state"`
	Price         int64     `json:"price"`
	RefClose      int64     `json:"ref_close"`
	SessionOpen   int64     `json:"session_open"`
	Qty           int64     `json:"qty"`
	AvgPrice      int64     `json:"avg_price"`
	HighWater     int64     `json:"high_water,omitempty"`
	BuyAttempts   int       `json:"buy_attempts"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type orderView struct {
	RequestID     string    `json:"request_id"`
	BrokerOrderID string    `json:"order_id,omitempty"`
	Token         string    `json:"token"`
	Side          string    `json:"side"`
	RequestedQty  int64     `json:"requested_qty"`
	FilledQty     int64     `json:"filled_qty"`
	AvgFillPrice  int64     `json:"avg_fill_price"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status,omitempty"`
	PlacedAt      time.Time `json:"placed_at"`
}

// Handler returns the API mux.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session": rt.live.Load() != nil})
	})

	mux.HandleFunc("/api/v1/positions", rt.withLive(func(w http.ResponseWriter, _ *http.Request, l *Live) {
		recs := l.Book.Records()
		out := make([]positionView, 0, len(recs))
		for _, r := range recs {
			v := positionView{
				Token: r.Code, Name: r.Name, State: r.State.String(), Price: r.Price,
				RefClose: r.RefClose, SessionOpen: r.SessionOpen, Qty: r.Qty(), AvgPrice: r.AvgPrice(),
				BuyAttempts: r.BuyAttempts, CooldownUntil: r.CooldownUntil,
			}
			if r.Holding != nil {
				v.HighWater = r.Holding.HighWater
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("/api/v1/orders", rt.withLive(func(w http.ResponseWriter, _ *http.Request, l *Live) {
		orders := l.Book.ActiveOrders()
		out := make([]orderView, 0, len(orders))
		for i := range orders {
			o := &orders[i]
			out = append(out, orderView{
				RequestID: o.RequestID, BrokerOrderID: o.BrokerOrderID, Token: o.Code,
				Side: string(o.Side), RequestedQty: o.RequestedQty, FilledQty: o.FilledQty,
				AvgFillPrice: o.AvgFillPrice(), Reason: o.Reason, Status: string(o.Status), PlacedAt: o.PlacedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("/api/v1/risk", rt.withLive(func(w http.ResponseWriter, _ *http.Request, l *Live) {
		if l.Risk == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, l.Risk.GetStatus())
	}))

	mux.HandleFunc("/api/v1/slots", rt.withLive(func(w http.ResponseWriter, _ *http.Request, l *Live) {
		if l.Slots == nil {
			writeJSON(w, http.StatusOK, slot.Stats{})
			return
		}
		writeJSON(w, http.StatusOK, l.Slots.Stats())
	}))

	mux.HandleFunc("/api/v1/trades", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		trades, err := rt.history.GetTrades(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, trades)
	})

	mux.HandleFunc("/api/v1/decisions", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, http.StatusBadRequest, "token is required")
			return
		}
		ds, err := rt.history.GetDecisions(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ds)
	})

	mux.HandleFunc("/api/v1/snapshots", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		snaps, err := rt.history.GetDailySnapshots(r.Context(), date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snaps)
	})

	return mux
}

func (rt *Router) withLive(fn func(http.ResponseWriter, *http.Request, *Live)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := rt.live.Load()
		if l == nil || l.Book == nil {
			writeError(w, http.StatusServiceUnavailable, "no active session")
			return
		}
		fn(w, r, l)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
