package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-breakout/config"
	"trading-breakout/internal/gateway"
	"trading-breakout/internal/logger"
	"trading-breakout/internal/model"
)

var (
	ErrUnknownSymbol = errors.New("position: unknown symbol")
	ErrBadReference  = errors.New("position: reference prices must be positive")
)

// OrderPlacer sends an order to the broker and returns its order id.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
}

// DailyLimits gates new entries across all symbols and accounts for exits.
type DailyLimits interface {
	AllowEntry() bool
	RecordEntry()
	RecordExit(code string, qty, entryPrice, exitPrice int64)
}

// Recorder receives every fill and every state transition.
type Recorder interface {
	model.TradeSink
	model.DecisionSink
}

// Hooks are optional observers, called outside the machine lock.
type Hooks struct {
	OnTransition func(code string, from, to State, reason string)
	OnOrder      func(side model.Side, outcome string)
	OnTrade      func(tr model.TradeRecord)
}

// Config for a Machine.
type Config struct {
	Thresholds   func(code string) config.Thresholds
	OrderTimeout time.Duration // an order with no terminal report after this is dropped
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithSpawn replaces the goroutine launcher used for order placement.
func WithSpawn(spawn func(func())) Option { return func(m *Machine) { m.spawn = spawn } }

// WithLimits installs daily entry limits.
func WithLimits(l DailyLimits) Option { return func(m *Machine) { m.limits = l } }

// WithRecorder installs the trade/decision sink.
func WithRecorder(r Recorder) Option { return func(m *Machine) { m.rec = r } }

// WithHooks installs observers.
func WithHooks(h Hooks) Option { return func(m *Machine) { m.hooks = h } }

// Machine owns every tracking record and active order.
type Machine struct {
	cfg    Config
	placer OrderPlacer
	limits DailyLimits
	rec    Recorder
	hooks  Hooks
	now    func() time.Time
	spawn  func(func())
	log    *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	codes   []string // watchlist order
	orders  *tracker
	outbox  []func(ctx context.Context)
}

// New creates a machine that places orders through placer.
func New(cfg Config, placer OrderPlacer, opts ...Option) *Machine {
	if cfg.Thresholds == nil {
		def := config.DefaultThresholds()
		cfg.Thresholds = func(string) config.Thresholds { return def }
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 2 * time.Minute
	}
	m := &Machine{
		cfg:     cfg,
		placer:  placer,
		limits:  unlimited{},
		now:     time.Now,
		spawn:   func(f func()) { go f() },
		log:     slog.Default().With("component", "position"),
		records: make(map[string]*Record),
		orders:  newTracker(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type unlimited struct{}

func (unlimited) AllowEntry() bool                       { return true }
func (unlimited) RecordEntry()                           {}
func (unlimited) RecordExit(string, int64, int64, int64) {}

// Track starts tracking inst in Idle. Tracking it again is a no-op.
func (m *Machine) Track(inst model.Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[inst.Token]; ok {
		return
	}
	name := inst.Name
	if name == "" {
		name = inst.Token
	}
	m.records[inst.Token] = &Record{Code: inst.Token, Exchange: inst.Exchange, Name: name, State: Idle}
	m.codes = append(m.codes, inst.Token)
}

// Codes returns the tracked symbols in watchlist order.
func (m *Machine) Codes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.codes...)
}

// LoadReference sets the prior close and session open. An Idle symbol becomes Waiting.
func (m *Machine) LoadReference(code string, refClose, sessionOpen int64) error {
	if refClose <= 0 || sessionOpen <= 0 {
		return fmt.Errorf("%w: %s close=%d open=%d", ErrBadReference, code, refClose, sessionOpen)
	}
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, code)
	}
	r.RefClose = refClose
	r.SessionOpen = sessionOpen
	if r.State == Idle {
		r.State = Waiting
		m.decide(r, Idle, ReasonReferenceLoaded)
	}
	m.unlockAndFlush(context.Background())
	return nil
}

// UpdatePrice records a price observation without evaluating rules. It keeps
// the high-water mark and the broken-below flag current between scans.
func (m *Machine) UpdatePrice(code string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[code]; ok {
		m.observe(r, price)
	}
}

func (m *Machine) observe(r *Record, price int64) {
	if price <= 0 {
		return
	}
	r.Price = price
	if r.Holding != nil && price > r.Holding.HighWater {
		r.Holding.HighWater = price
	}
	if r.State == Waiting && r.RefClose > 0 && price < r.RefClose {
		r.BrokenBelow = true
	}
}

// OnTick applies a price tick and evaluates the symbol.
func (m *Machine) OnTick(ctx context.Context, code string, price int64) {
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.observe(r, price)
	req := m.evaluate(r)
	m.unlockAndFlush(ctx)
	m.dispatch(ctx, req)
}

// Evaluate runs the rules for code against its last observed price.
func (m *Machine) Evaluate(ctx context.Context, code string) {
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok {
		m.mu.Unlock()
		return
	}
	req := m.evaluate(r)
	m.unlockAndFlush(ctx)
	m.dispatch(ctx, req)
}

func (m *Machine) evaluate(r *Record) *model.OrderRequest {
	now := m.now()
	if o := m.orders.forCode(r.Code); o != nil {
		if now.Sub(o.PlacedAt) >= m.cfg.OrderTimeout {
			m.log.Warn("order timed out", "code", r.Code, "request_id", o.RequestID,
				"order_id", o.BrokerOrderID, "filled", o.FilledQty)
			m.emitOrder(o.Side, "timeout")
			m.finishOrder(r, o)
		}
		return nil
	}

	th := m.cfg.Thresholds(r.Code)
	switch r.State {
	case CoolDown:
		if !now.Before(r.CooldownUntil) {
			r.State = Waiting
			r.BuyAttempts = 0
			r.BrokenBelow = false
			r.CooldownUntil = time.Time{}
			m.decide(r, CoolDown, ReasonCooldownElapsed)
		}
		return nil

	case Waiting:
		if m.maybeCoolDown(r, th, now) {
			return nil
		}
		if r.Price <= 0 || r.RefClose <= 0 {
			return nil
		}
		if r.Price < r.RefClose {
			r.BrokenBelow = true
			return nil
		}
		if !r.BrokenBelow || r.Price <= r.RefClose || r.SessionOpen <= r.RefClose {
			return nil
		}
		if !m.limits.AllowEntry() {
			return nil
		}
		qty := buyQty(th.BuyAmount, r.Price)
		if qty == 0 {
			m.log.Debug("buy amount below one share", "code", r.Code, "price", r.Price)
			return nil
		}
		r.State = Ready
		m.decide(r, Waiting, ReasonBreakout)
		m.limits.RecordEntry()
		return m.submit(r, model.SideBuy, qty, ReasonBreakout, false)

	case Ready:
		// an order always accompanies Ready; without one the entry is abandoned
		r.State = Waiting
		m.decide(r, Ready, ReasonBuyFailed)
		return nil

	case Bought, PartiallySold:
		return m.evaluateHolding(r, th, now)
	}
	return nil
}

func (m *Machine) evaluateHolding(r *Record, th config.Thresholds, now time.Time) *model.OrderRequest {
	h := r.Holding
	if h == nil || h.Qty <= 0 {
		from := r.State
		r.Flatten()
		m.log.Warn("holding state without quantity", "code", r.Code, "state", from)
		m.decide(r, from, ReasonInconsistent)
		return nil
	}
	p := r.Price
	switch {
	case fellThrough(p, r.RefClose, th.StopLossRate):
		return m.submit(r, model.SideSell, h.Qty, ReasonStopLoss, true)
	case reachedTarget(p, h.AvgPrice, th.FullTakeProfitRate):
		return m.submit(r, model.SideSell, h.Qty, ReasonTakeProfit, true)
	case h.Trailing && fellThrough(p, h.HighWater, th.TrailingFallRate):
		return m.submit(r, model.SideSell, h.Qty, ReasonTrailingStop, true)
	case th.MaxHolding > 0 && now.Sub(h.EnteredAt) >= th.MaxHolding:
		return m.submit(r, model.SideSell, h.Qty, ReasonHoldingTime, true)
	case r.State == Bought && reachedTarget(p, h.AvgPrice, th.PartialTakeProfitRate):
		if q := partialQty(h.Qty, th.PartialSellFraction); q > 0 {
			return m.submit(r, model.SideSell, q, ReasonPartialTakeProfit, false)
		}
	}
	return nil
}

// maybeCoolDown parks r once it has used up its buy attempts.
func (m *Machine) maybeCoolDown(r *Record, th config.Thresholds, now time.Time) bool {
	if r.State != Waiting && r.State != Ready {
		return false
	}
	if r.BuyAttempts < th.MaxBuyAttempts {
		return false
	}
	from := r.State
	r.State = CoolDown
	r.CooldownUntil = now.Add(th.Cooldown)
	r.BrokenBelow = false
	m.decide(r, from, ReasonMaxAttempts)
	return true
}

func (m *Machine) submit(r *Record, side model.Side, qty int64, reason string, exit bool) *model.OrderRequest {
	o := &ActiveOrder{
		RequestID:    uuid.NewString(),
		Code:         r.Code,
		Side:         side,
		RequestedQty: qty,
		Price:        r.Price,
		Reason:       reason,
		Status:       model.OrderOpen,
		PlacedAt:     m.now(),
		exit:         exit,
	}
	m.orders.add(o)
	m.log.Info("order submitted", "code", r.Code, "side", side, "qty", qty,
		"price", r.Price, "reason", reason, "request_id", o.RequestID)
	m.emitOrder(side, "submitted")
	return &model.OrderRequest{
		RequestID: o.RequestID,
		Token:     r.Code,
		Exchange:  r.Exchange,
		Side:      side,
		Qty:       qty,
		Price:     r.Price,
		Reason:    reason,
	}
}

func (m *Machine) dispatch(ctx context.Context, req *model.OrderRequest) {
	if req == nil {
		return
	}
	r := *req
	m.spawn(func() { m.place(ctx, r) })
}

func (m *Machine) place(ctx context.Context, req model.OrderRequest) {
	ctx = logger.WithCorrelationID(ctx, req.RequestID)
	id, err := m.placer.PlaceOrder(ctx, req)

	m.mu.Lock()
	o := m.orders.byRequest[req.RequestID]
	if o == nil {
		// already resolved by its fills or expired
		m.unlockAndFlush(ctx)
		return
	}
	r := m.records[o.Code]
	if err != nil {
		m.log.Warn("order placement failed", append(logger.LogAttrs(ctx),
			"code", o.Code, "side", o.Side, "error", err)...)
		m.emitOrder(o.Side, "error")
		if o.FilledQty > 0 {
			m.finishOrder(r, o)
		} else {
			m.orders.remove(o)
			// nothing reached the broker when no slot was free
			m.revertEntry(r, o, !errors.Is(err, gateway.ErrSlotExhausted))
		}
	} else {
		m.orders.bind(req.RequestID, id)
		m.emitOrder(o.Side, "accepted")
	}
	m.unlockAndFlush(ctx)
}

// OnOrderFill applies an execution report pushed by the broker.
func (m *Machine) OnOrderFill(ctx context.Context, f model.FillEvent) {
	m.mu.Lock()
	o := m.orders.find(f)
	if o == nil {
		m.log.Warn("fill for unknown order", "order_ref", f.OrderRef, "request_id", f.RequestID,
			"qty", f.FilledQty, "status", f.Status)
		m.unlockAndFlush(ctx)
		return
	}
	r := m.records[o.Code]
	o.apply(f)
	r.rev++

	if f.FilledQty > 0 {
		orderID := o.BrokerOrderID
		if orderID == "" {
			orderID = f.OrderRef
		}
		m.emitTrade(model.TradeRecord{
			OrderID:   orderID,
			RequestID: o.RequestID,
			Token:     o.Code,
			Side:      o.Side,
			Qty:       f.FilledQty,
			Price:     f.FillPrice,
			Reason:    o.Reason,
			FilledAt:  m.now(),
		})
	}

	switch {
	case o.complete():
		m.emitOrder(o.Side, "filled")
		m.finishOrder(r, o)
	case f.Status.Terminal():
		m.log.Info("order ended before full fill", "code", o.Code, "status", f.Status,
			"filled", o.FilledQty, "requested", o.RequestedQty)
		m.emitOrder(o.Side, "cancelled")
		m.finishOrder(r, o)
	}
	m.unlockAndFlush(ctx)
}

// finishOrder settles o with whatever quantity it filled.
func (m *Machine) finishOrder(r *Record, o *ActiveOrder) {
	m.orders.remove(o)
	if o.FilledQty == 0 {
		m.revertEntry(r, o, true)
		return
	}
	qty, px := o.FilledQty, o.AvgFillPrice()
	now := m.now()

	if o.Side == model.SideBuy {
		from := r.State
		r.Open(qty, px, px, now)
		r.BuyAttempts++
		m.decide(r, from, ReasonBuyFilled)
		return
	}

	h := r.Holding
	if h == nil {
		m.log.Warn("sell fill while flat", "code", r.Code, "qty", qty)
		return
	}
	sold := qty
	if sold > h.Qty {
		sold = h.Qty
	}
	m.limits.RecordExit(r.Code, sold, h.AvgPrice, px)
	h.Qty -= sold
	from := r.State

	switch {
	case h.Qty <= 0:
		r.Flatten()
		m.decide(r, from, o.Reason)
		m.maybeCoolDown(r, m.cfg.Thresholds(r.Code), now)
	case !o.exit:
		r.State = PartiallySold
		h.Trailing = true
		if r.Price > h.HighWater {
			h.HighWater = r.Price
		}
		m.decide(r, from, ReasonPartialTakeProfit)
	default:
		// exit order ended short; the rule fires again on the next scan
		m.log.Warn("exit partially filled", "code", r.Code, "reason", o.Reason,
			"sold", sold, "remaining", h.Qty)
	}
}

// revertEntry undoes a buy that produced nothing. consumed counts it as an attempt.
func (m *Machine) revertEntry(r *Record, o *ActiveOrder, consumed bool) {
	if o.Side != model.SideBuy || r.State != Ready {
		return
	}
	if consumed {
		r.BuyAttempts++
	}
	r.State = Waiting
	m.decide(r, Ready, ReasonBuyFailed)
	m.maybeCoolDown(r, m.cfg.Thresholds(r.Code), m.now())
}

// Adjust runs fn on the live record for code, unless the symbol has an order
// in flight. A non-empty reason from fn is recorded as a decision.
func (m *Machine) Adjust(code string, fn func(r *Record) (reason string)) (string, bool) {
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok || m.orders.forCode(code) != nil {
		m.mu.Unlock()
		return "", false
	}
	return m.adjust(r, fn), true
}

// Revisions returns the revision of every symbol without an order in flight.
// A symbol's revision moves on every fill and every state transition.
func (m *Machine) Revisions() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.records))
	for code, r := range m.records {
		if m.orders.forCode(code) == nil {
			out[code] = r.rev
		}
	}
	return out
}

// AdjustSince is Adjust for a record last seen at rev. It also skips code
// when the record has moved since. fn receives the machine clock.
func (m *Machine) AdjustSince(code string, rev uint64, fn func(r *Record, now time.Time) (reason string)) (string, bool) {
	m.mu.Lock()
	r, ok := m.records[code]
	if !ok || r.rev != rev || m.orders.forCode(code) != nil {
		m.mu.Unlock()
		return "", false
	}
	now := m.now()
	return m.adjust(r, func(r *Record) string { return fn(r, now) }), true
}

// adjust runs with m.mu held and releases it.
func (m *Machine) adjust(r *Record, fn func(r *Record) string) string {
	from := r.State
	reason := fn(r)
	if reason != "" {
		m.decide(r, from, reason)
	}
	m.unlockAndFlush(context.Background())
	return reason
}

// ResetSession prepares flat symbols for the next session's reference load.
func (m *Machine) ResetSession() {
	m.mu.Lock()
	for _, code := range m.codes {
		r := m.records[code]
		if r.State.Holding() || m.orders.forCode(code) != nil {
			continue
		}
		from := r.State
		r.State = Idle
		r.BuyAttempts = 0
		r.CooldownUntil = time.Time{}
		r.BrokenBelow = false
		r.RefClose, r.SessionOpen = 0, 0
		if from != Idle {
			m.decide(r, from, ReasonSessionReset)
		}
	}
	m.unlockAndFlush(context.Background())
}

// Record returns a copy of the tracking record for code.
func (m *Machine) Record(code string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Records returns copies of every tracking record in watchlist order.
func (m *Machine) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.codes))
	for _, c := range m.codes {
		out = append(out, m.records[c].clone())
	}
	return out
}

// HasPendingOrder reports whether code has an order in flight.
func (m *Machine) HasPendingOrder(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders.forCode(code) != nil
}

// ActiveOrders returns copies of the orders in flight.
func (m *Machine) ActiveOrders() []ActiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders.list()
}

// ── outbox: sink writes and hooks run after the lock is released ──

func (m *Machine) unlockAndFlush(ctx context.Context) {
	out := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	for _, fn := range out {
		fn(ctx)
	}
}

func (m *Machine) decide(r *Record, from State, reason string) {
	r.rev++
	rec := model.DecisionRecord{
		Token:    r.Code,
		From:     from.String(),
		To:       r.State.String(),
		Price:    r.Price,
		Qty:      r.Qty(),
		AvgPrice: r.AvgPrice(),
		Reason:   reason,
		TS:       m.now(),
	}
	to := r.State
	m.log.Info("state transition", "code", r.Code, "from", from.String(), "to", to.String(),
		"reason", reason, "price", r.Price, "qty", rec.Qty)
	m.outbox = append(m.outbox, func(ctx context.Context) {
		if m.rec != nil {
			if err := m.rec.RecordDecision(ctx, rec); err != nil {
				m.log.Warn("decision not recorded", "code", rec.Token, "error", err)
			}
		}
		if m.hooks.OnTransition != nil {
			m.hooks.OnTransition(rec.Token, from, to, reason)
		}
	})
}

func (m *Machine) emitTrade(tr model.TradeRecord) {
	m.outbox = append(m.outbox, func(ctx context.Context) {
		if m.rec != nil {
			if err := m.rec.RecordTrade(ctx, tr); err != nil {
				m.log.Warn("trade not recorded", "code", tr.Token, "error", err)
			}
		}
		if m.hooks.OnTrade != nil {
			m.hooks.OnTrade(tr)
		}
	})
}

func (m *Machine) emitOrder(side model.Side, outcome string) {
	if m.hooks.OnOrder == nil {
		return
	}
	m.outbox = append(m.outbox, func(context.Context) { m.hooks.OnOrder(side, outcome) })
}
