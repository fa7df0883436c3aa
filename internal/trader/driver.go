// Package trader drives one trading session: it loads reference prices,
// scans the watchlist on a fixed cadence, runs reconciliation alongside, and
// writes the end-of-day snapshot when the session closes.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-breakout/internal/markethours"
	"trading-breakout/internal/model"
	"trading-breakout/internal/position"
	"trading-breakout/internal/reconcile"
)

// ErrNoReferences means no watchlist symbol could be armed for the session.
var ErrNoReferences = errors.New("trader: no reference prices loaded")

// ReferenceSource fetches the prior close and session open of an instrument.
type ReferenceSource interface {
	FetchReference(ctx context.Context, inst model.Instrument) (refClose, sessionOpen int64, err error)
}

// Limits is the daily risk state the driver resets and reports.
type Limits interface {
	ResetDaily()
	RealizedPnL() int64
	Halted() bool
}

// Config controls the session loop.
type Config struct {
	Watchlist    []model.Instrument
	ScanInterval time.Duration
	Session      *markethours.Session // nil: no close deadline, UTC dates
}

// ScanStats summarizes one watchlist pass.
type ScanStats struct {
	Elapsed       time.Duration
	Evaluated     int
	OpenPositions int
	RealizedPnL   int64
	Halted        bool
	At            time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithReconciler runs e during the session and once right after references load.
func WithReconciler(e *reconcile.Engine) Option { return func(d *Driver) { d.recon = e } }

// WithLimits installs the daily limits reset at session start.
func WithLimits(l Limits) Option { return func(d *Driver) { d.limits = l } }

// WithSnapshots installs the end-of-day snapshot sink.
func WithSnapshots(s model.SnapshotSink) Option { return func(d *Driver) { d.snaps = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

// Driver is the single evaluation loop over the watchlist.
type Driver struct {
	cfg    Config
	book   *position.Machine
	refs   ReferenceSource
	recon  *reconcile.Engine
	limits Limits
	snaps  model.SnapshotSink
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	missing map[string]bool // reference not loaded this session

	// Optional hooks. Set before RunSession.
	OnScan          func(ScanStats)
	OnReferenceFail func(code string, err error)
}

// New creates a driver and tracks every watchlist instrument in book.
func New(cfg Config, book *position.Machine, refs ReferenceSource, opts ...Option) *Driver {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Second
	}
	d := &Driver{
		cfg:     cfg,
		book:    book,
		refs:    refs,
		now:     time.Now,
		log:     slog.Default().With("component", "trader"),
		missing: make(map[string]bool),
	}
	for _, o := range opts {
		o(d)
	}
	for _, inst := range cfg.Watchlist {
		book.Track(inst)
	}
	return d
}

// StartSession resets the daily state and loads reference prices. Symbols
// whose reference fails stay Idle and are retried on every scan. It fails
// only when nothing could be loaded.
func (d *Driver) StartSession(ctx context.Context) error {
	if d.limits != nil {
		d.limits.ResetDaily()
	}
	d.book.ResetSession()

	d.mu.Lock()
	for _, inst := range d.cfg.Watchlist {
		d.missing[inst.Token] = true
	}
	d.mu.Unlock()

	loaded := d.loadReferences(ctx)
	d.log.Info("session started", "symbols", len(d.cfg.Watchlist), "armed", loaded)
	if loaded == 0 && len(d.cfg.Watchlist) > 0 {
		return fmt.Errorf("%w: %d symbols", ErrNoReferences, len(d.cfg.Watchlist))
	}
	if d.recon != nil {
		// carried-over positions are adopted before the first scan
		_, _ = d.recon.Reconcile(ctx)
	}
	return nil
}

// Pending returns the codes still waiting for a reference price.
func (d *Driver) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, inst := range d.cfg.Watchlist {
		if d.missing[inst.Token] {
			out = append(out, inst.Token)
		}
	}
	return out
}

func (d *Driver) loadReferences(ctx context.Context) int {
	loaded := 0
	for _, inst := range d.cfg.Watchlist {
		if ctx.Err() != nil {
			break
		}
		d.mu.Lock()
		need := d.missing[inst.Token]
		d.mu.Unlock()
		if !need {
			continue
		}
		refClose, open, err := d.refs.FetchReference(ctx, inst)
		if err == nil {
			err = d.book.LoadReference(inst.Token, refClose, open)
		}
		if err != nil {
			d.log.Warn("reference not loaded", "code", inst.Token, "name", inst.Name, "error", err)
			if d.OnReferenceFail != nil {
				d.OnReferenceFail(inst.Token, err)
			}
			continue
		}
		d.mu.Lock()
		delete(d.missing, inst.Token)
		d.mu.Unlock()
		loaded++
	}
	return loaded
}

// Scan retries missing references, then evaluates every tracked symbol once.
func (d *Driver) Scan(ctx context.Context) ScanStats {
	start := d.now()
	if len(d.Pending()) > 0 {
		d.loadReferences(ctx)
	}

	st := ScanStats{}
	for _, code := range d.book.Codes() {
		if ctx.Err() != nil {
			break
		}
		d.book.Evaluate(ctx, code)
		st.Evaluated++
	}
	for _, r := range d.book.Records() {
		if r.State.Holding() {
			st.OpenPositions++
		}
	}
	if d.limits != nil {
		st.RealizedPnL = d.limits.RealizedPnL()
		st.Halted = d.limits.Halted()
	}
	st.At = d.now()
	st.Elapsed = st.At.Sub(start)
	if d.OnScan != nil {
		d.OnScan(st)
	}
	return st
}

// Snapshots builds the daily snapshot of every tracked symbol.
func (d *Driver) Snapshots() []model.DailySnapshot {
	now := d.now()
	date := now.UTC().Format(markethours.DateLayout)
	if d.cfg.Session != nil {
		date = d.cfg.Session.Date(now)
	}
	var realized int64
	if d.limits != nil {
		realized = d.limits.RealizedPnL()
	}
	recs := d.book.Records()
	out := make([]model.DailySnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.DailySnapshot{
			Date:        date,
			Token:       r.Code,
			State:       r.State.String(),
			Qty:         r.Qty(),
			AvgPrice:    r.AvgPrice(),
			LastPrice:   r.Price,
			BuyAttempts: r.BuyAttempts,
			RealizedPnL: realized,
		})
	}
	return out
}

// EndSession persists the daily snapshot.
func (d *Driver) EndSession(ctx context.Context) error {
	snaps := d.Snapshots()
	if d.snaps == nil || len(snaps) == 0 {
		return nil
	}
	if err := d.snaps.RecordDailySnapshots(ctx, snaps); err != nil {
		return fmt.Errorf("trader: daily snapshot: %w", err)
	}
	d.log.Info("session closed", "symbols", len(snaps), "date", snaps[0].Date)
	return nil
}

// RunSession runs one session until the configured close or ctx is
// cancelled, then writes the daily snapshot.
func (d *Driver) RunSession(ctx context.Context) error {
	if err := d.StartSession(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.cfg.Session != nil {
		left := d.cfg.Session.CloseAt(d.now()).Sub(d.now())
		sctx, cancel = context.WithTimeout(sctx, left)
		defer cancel()
	}

	var wg sync.WaitGroup
	if d.recon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.recon.Run(sctx)
		}()
	}

	t := time.NewTicker(d.cfg.ScanInterval)
	defer t.Stop()
loop:
	for {
		select {
		case <-sctx.Done():
			break loop
		case <-t.C:
			d.Scan(sctx)
		}
	}
	wg.Wait()

	// the day is written even when the parent context is already cancelled
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	return d.EndSession(wctx)
}

// Closer is anything with a no-result Close.
type Closer interface{ Close() }

// SlotReleaser returns every slot to the pool.
type SlotReleaser interface{ ReleaseAll() int }

// Shutdown tears down the broker side: the gateway fails everything in
// flight, the stream is closed, then every slot is released.
func Shutdown(gw Closer, stopStream func(), pool SlotReleaser) {
	log := slog.Default().With("component", "trader")
	if gw != nil {
		gw.Close()
	}
	if stopStream != nil {
		stopStream()
	}
	if pool != nil {
		if n := pool.ReleaseAll(); n > 0 {
			log.Info("released slots", "count", n)
		}
	}
}
