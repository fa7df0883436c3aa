// Package gateway presents request/response semantics over the broker's
// push-only transport.
//
// Every request is keyed by a correlation id and holds one session slot from
// the pool until it reaches a terminal status. Responses arrive as events on
// OnEvent, possibly split across pages; the gateway re-submits continuations on
// the same id and slot and delivers the concatenated result exactly once.
// Sends go out one at a time on a single goroutine that enforces a minimum
// interval between them.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-breakout/internal/logger"
	"trading-breakout/internal/slot"
)

// OpKind names a broker operation, e.g. "portfolio" or "place_order".
type OpKind string

// Op is one logical broker request.
type Op struct {
	Kind   OpKind         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Status is the lifecycle of a pending request.
type Status int

const (
	StatusCreated Status = iota
	StatusSent
	StatusPartiallyReceived
	StatusCompleted
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSent:
		return "sent"
	case StatusPartiallyReceived:
		return "partially_received"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events are accepted in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Request is an outbound frame handed to the transport.
type Request struct {
	CorrelationID string
	Slot          slot.Slot
	Op            Op
	Continuation  bool
	Cursor        string // continuation token echoed from the previous page
}

// Transport writes frames to the broker. Responses come back through OnEvent.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// EventKind separates correlated responses from unsolicited pushes.
type EventKind string

const (
	EventResponse  EventKind = "response"
	EventOrderFill EventKind = "order_fill"
)

// ErrorInfo is the broker's structured failure on a response event.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one inbound push from the transport.
type Event struct {
	Kind          EventKind
	CorrelationID string
	Slot          slot.Slot // optional; when set it must match the request's slot
	Records       []json.RawMessage
	HasMore       bool
	Cursor        string
	Err           *ErrorInfo
	Message       string // free-text vendor message; diagnostic only
}

// PushHandler receives unsolicited events such as order fills.
type PushHandler func(Event)

// Result is the full response of a completed request.
type Result struct {
	CorrelationID string
	Op            OpKind
	Records       []json.RawMessage
	Pages         int
}

// Config controls pacing and the timeout watchdog.
type Config struct {
	RequestInterval      time.Duration // minimum gap before a fresh request
	ContinuationInterval time.Duration // minimum gap before a continuation
	Timeout              time.Duration // max silence while awaiting an event
}

// DefaultConfig returns conservative pacing for the broker's request quota.
func DefaultConfig() Config {
	return Config{
		RequestInterval:      250 * time.Millisecond,
		ContinuationInterval: time.Second,
		Timeout:              10 * time.Second,
	}
}

type outcome struct {
	res Result
	err error
}

type pending struct {
	id          string
	op          Op
	slot        slot.Slot
	status      Status
	submittedAt time.Time
	records     []json.RawMessage
	pages       int

	timer    *time.Timer
	timerGen int
	done     chan outcome // buffered(1); written once by whoever removes p from the map
}

// Call is a submitted request whose result has not been consumed yet.
type Call struct {
	ID   string
	Slot slot.Slot
	done <-chan outcome
}

// Wait blocks until the request completes, fails, times out, or ctx is done.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case out := <-c.done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Gateway correlates outbound requests with inbound events.
type Gateway struct {
	cfg       Config
	pool      *slot.Pool
	transport Transport
	log       *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pending
	closed   bool
	closedCh chan struct{}

	queue    *sendQueue
	lastSend time.Time // sender goroutine only

	pushMu sync.RWMutex
	push   PushHandler

	// Optional metrics hooks. Set before Run.
	OnFinish    func(op OpKind, status Status, elapsed time.Duration)
	OnPage      func(op OpKind)
	OnStale     func()
	OnThrottle  func(wait time.Duration)
	OnExhausted func()
}

// New creates a gateway. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, pool *slot.Pool, transport Transport) *Gateway {
	def := DefaultConfig()
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = def.RequestInterval
	}
	if cfg.ContinuationInterval <= 0 {
		cfg.ContinuationInterval = def.ContinuationInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Gateway{
		cfg:       cfg,
		pool:      pool,
		transport: transport,
		log:       slog.Default().With("component", "gateway"),
		pending:   make(map[string]*pending),
		closedCh:  make(chan struct{}),
		queue:     newSendQueue(),
	}
}

// SetPushHandler registers the receiver of unsolicited events.
func (g *Gateway) SetPushHandler(h PushHandler) {
	g.pushMu.Lock()
	g.push = h
	g.pushMu.Unlock()
}

// InFlight returns the number of live pending requests.
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Submit registers a request and hands it to the sender. It returns once the
// frame has been written (after any pacing delay). Transport write errors are
// returned untouched and the request is discarded. Without a hint the id is
// taken from the context's correlation id, or generated.
func (g *Gateway) Submit(ctx context.Context, op Op, correlationHint string) (*Call, error) {
	id := correlationHint
	if id == "" {
		id = logger.CorrelationID(ctx)
	}
	if id == "" {
		id = uuid.NewString()
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	if _, dup := g.pending[id]; dup {
		g.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	s, err := g.pool.Acquire(id)
	if err != nil {
		g.mu.Unlock()
		if g.OnExhausted != nil {
			g.OnExhausted()
		}
		return nil, ErrSlotExhausted
	}
	p := &pending{
		id:          id,
		op:          op,
		slot:        s,
		status:      StatusCreated,
		submittedAt: time.Now(),
		done:        make(chan outcome, 1),
	}
	g.pending[id] = p
	g.mu.Unlock()

	job := &sendJob{
		p:      p,
		req:    Request{CorrelationID: id, Slot: s, Op: op},
		result: make(chan error, 1),
	}
	g.queue.push(job)

	select {
	case err := <-job.result:
		if err != nil {
			return nil, err
		}
		return &Call{ID: id, Slot: s, done: p.done}, nil
	case <-ctx.Done():
		g.finish(p, StatusFailed, outcome{err: ctx.Err()})
		return nil, ctx.Err()
	case <-g.closedCh:
		return nil, ErrGatewayClosed
	}
}

// Do submits op and waits for its full result.
func (g *Gateway) Do(ctx context.Context, op Op, correlationHint string) (Result, error) {
	call, err := g.Submit(ctx, op, correlationHint)
	if err != nil {
		return Result{}, err
	}
	return call.Wait(ctx)
}

// Run is the single sender loop. Blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		job, ok := g.queue.pop(ctx)
		if !ok {
			return
		}
		if err := g.pace(ctx, job.req.Continuation); err != nil {
			g.finish(job.p, StatusFailed, outcome{err: err})
			job.finish(err)
			continue
		}
		if !g.arm(job.p) {
			// expired, cancelled or closed while queued
			job.finish(g.terminalErr())
			continue
		}

		err := g.transport.Send(ctx, job.req)
		g.lastSend = time.Now()
		if err != nil {
			g.finish(job.p, StatusFailed, outcome{err: err})
		}
		job.finish(err)
	}
}

// pace cooperatively waits out the minimum interval since the previous send.
func (g *Gateway) pace(ctx context.Context, continuation bool) error {
	if g.lastSend.IsZero() {
		return nil
	}
	interval := g.cfg.RequestInterval
	if continuation {
		interval = g.cfg.ContinuationInterval
	}
	wait := interval - time.Since(g.lastSend)
	if wait <= 0 {
		return nil
	}
	if g.OnThrottle != nil {
		g.OnThrottle(wait)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm moves p to Sent (unless it is mid-pagination) and starts its watchdog.
// It returns false when p is no longer live.
func (g *Gateway) arm(p *pending) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[p.id] != p || p.status.Terminal() {
		return false
	}
	if p.status == StatusCreated {
		p.status = StatusSent
	}
	g.startTimerLocked(p)
	return true
}

func (g *Gateway) startTimerLocked(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(g.cfg.Timeout, func() { g.expire(p, gen) })
}

func (g *Gateway) stopTimerLocked(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
}

func (g *Gateway) expire(p *pending, gen int) {
	g.mu.Lock()
	if g.pending[p.id] != p || p.timerGen != gen {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	if g.finish(p, StatusTimedOut, outcome{err: ErrTimeout}) {
		g.log.Warn("request timed out",
			"correlation_id", p.id, "op", p.op.Kind, "slot", p.slot, "pages", p.pages)
	}
}

// finish moves p to a terminal status, removes it, releases its slot and
// notifies the waiter. Only the first caller for a given p has any effect.
func (g *Gateway) finish(p *pending, status Status, out outcome) bool {
	g.mu.Lock()
	if g.pending[p.id] != p || p.status.Terminal() {
		g.mu.Unlock()
		return false
	}
	p.status = status
	g.stopTimerLocked(p)
	// release before the id can be reused, or a resubmit would share the slot
	g.pool.Release(p.slot, p.id)
	delete(g.pending, p.id)
	g.mu.Unlock()

	if g.OnFinish != nil {
		g.OnFinish(p.op.Kind, status, time.Since(p.submittedAt))
	}
	p.done <- out
	return true
}

func (g *Gateway) terminalErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGatewayClosed
	}
	return ErrTimeout
}

// OnEvent is the transport's event sink.
func (g *Gateway) OnEvent(ev Event) {
	if ev.Kind == EventOrderFill {
		g.pushMu.RLock()
		h := g.push
		g.pushMu.RUnlock()
		if h != nil {
			h(ev)
		} else {
			g.log.Warn("order push with no handler", "records", len(ev.Records))
		}
		return
	}

	if ev.Message != "" {
		g.log.Debug("vendor message", "correlation_id", ev.CorrelationID, "message", ev.Message)
	}

	g.mu.Lock()
	p, ok := g.pending[ev.CorrelationID]
	if !ok || p.status.Terminal() || (ev.Slot != "" && ev.Slot != p.slot) {
		g.mu.Unlock()
		g.log.Debug("stale event dropped", "correlation_id", ev.CorrelationID, "slot", ev.Slot)
		if g.OnStale != nil {
			g.OnStale()
		}
		return
	}
	g.stopTimerLocked(p)

	if ev.Err != nil {
		g.mu.Unlock()
		g.finish(p, StatusFailed, outcome{err: &TransportError{
			Op:            p.op.Kind,
			CorrelationID: p.id,
			Code:          ev.Err.Code,
			Message:       ev.Err.Message,
		}})
		return
	}

	p.records = append(p.records, ev.Records...)
	p.pages++
	if g.OnPage != nil {
		g.OnPage(p.op.Kind)
	}

	if ev.HasMore {
		p.status = StatusPartiallyReceived
		g.queue.push(&sendJob{
			p: p,
			req: Request{
				CorrelationID: p.id,
				Slot:          p.slot,
				Op:            p.op,
				Continuation:  true,
				Cursor:        ev.Cursor,
			},
		})
		g.mu.Unlock()
		return
	}

	res := Result{CorrelationID: p.id, Op: p.op.Kind, Records: p.records, Pages: p.pages}
	g.mu.Unlock()
	g.finish(p, StatusCompleted, outcome{res: res})
}

// Close stops accepting requests and aborts every in-flight one as timed out.
// The caller releases the slot pool afterwards.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.closedCh)
	live := make([]*pending, 0, len(g.pending))
	for _, p := range g.pending {
		live = append(live, p)
	}
	g.mu.Unlock()

	for _, p := range live {
		g.finish(p, StatusTimedOut, outcome{err: ErrGatewayClosed})
	}
	for _, j := range g.queue.drain() {
		j.finish(ErrGatewayClosed)
	}
	g.log.Info("gateway closed", "aborted", len(live))
}
