// Package reconcile audits local position bookkeeping against the broker's
// account snapshot and corrects drift. It never places orders.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trading-breakout/internal/model"
	"trading-breakout/internal/position"
)

// Kind classifies a correction.
type Kind string

const (
	KindExternalExit  Kind = "external_exit"
	KindExternalEntry Kind = "external_entry"
	KindQtyMismatch   Kind = "qty_mismatch"
	KindAvgMismatch   Kind = "avg_price_mismatch"
	KindInconsistent  Kind = "inconsistent_local_state"
)

// Correction is one change applied to a tracking record.
type Correction struct {
	Code      string
	Kind      Kind
	LocalQty  int64
	LocalAvg  int64
	BrokerQty int64
	BrokerAvg int64
	Detail    string
}

func (c Correction) String() string {
	return fmt.Sprintf("%s %s: local %d@%d broker %d@%d %s",
		c.Code, c.Kind, c.LocalQty, c.LocalAvg, c.BrokerQty, c.BrokerAvg, c.Detail)
}

// SnapshotFetcher returns the broker's account holdings.
type SnapshotFetcher interface {
	FetchPortfolioSnapshot(ctx context.Context) (model.PortfolioSnapshot, error)
}

// Book is the position machine surface reconciliation writes through.
// Revisions is taken before the fetch; AdjustSince must refuse a symbol that
// moved after it, since the snapshot cannot reflect that change.
type Book interface {
	Codes() []string
	Revisions() map[string]uint64
	AdjustSince(code string, rev uint64, fn func(r *position.Record, now time.Time) string) (string, bool)
}

// Engine periodically reconciles a Book against broker snapshots.
type Engine struct {
	fetcher  SnapshotFetcher
	book     Book
	interval time.Duration
	log      *slog.Logger

	// OnCorrection is called for every correction, outside the book lock.
	OnCorrection func(Correction)
	// OnCycle is called after every run with the fetch error, if any.
	OnCycle func(corrections int, err error)
}

// New creates an engine that runs every interval.
func New(fetcher SnapshotFetcher, book Book, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		fetcher:  fetcher,
		book:     book,
		interval: interval,
		log:      slog.Default().With("component", "reconcile"),
	}
}

// Run reconciles on every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Reconcile(ctx)
		}
	}
}

// Reconcile fetches one snapshot and corrects every symbol that had no order
// in flight when the fetch started and has not changed since. A fetch failure
// skips the cycle.
func (e *Engine) Reconcile(ctx context.Context) ([]Correction, error) {
	revs := e.book.Revisions()
	snap, err := e.fetcher.FetchPortfolioSnapshot(ctx)
	if err != nil {
		e.log.Warn("snapshot fetch failed, skipping cycle", "error", err)
		if e.OnCycle != nil {
			e.OnCycle(0, err)
		}
		return nil, err
	}

	var all []Correction
	skipped := 0
	for _, code := range e.book.Codes() {
		rev, idle := revs[code]
		if !idle {
			skipped++
			continue
		}
		var found []Correction
		_, ok := e.book.AdjustSince(code, rev, func(r *position.Record, now time.Time) string {
			var reason string
			found, reason = check(r, snap, now)
			return reason
		})
		if !ok {
			skipped++
			continue
		}
		for _, c := range found {
			e.log.Warn("position corrected", "code", c.Code, "kind", string(c.Kind),
				"local_qty", c.LocalQty, "local_avg", c.LocalAvg,
				"broker_qty", c.BrokerQty, "broker_avg", c.BrokerAvg, "detail", c.Detail)
			if e.OnCorrection != nil {
				e.OnCorrection(c)
			}
		}
		all = append(all, found...)
	}

	e.log.Debug("reconcile cycle", "symbols", len(snap), "corrections", len(all), "skipped", skipped)
	if e.OnCycle != nil {
		e.OnCycle(len(all), nil)
	}
	return all, nil
}

// check runs under the book lock. It normalizes r, then aligns it with the
// broker snapshot, and returns what changed plus the decision reason.
func check(r *position.Record, snap model.PortfolioSnapshot, now time.Time) ([]Correction, string) {
	var cs []Correction
	reason := ""
	note := func(kind Kind, detail string, broker model.Holding) {
		cs = append(cs, Correction{
			Code:      r.Code,
			Kind:      kind,
			LocalQty:  r.Qty(),
			LocalAvg:  r.AvgPrice(),
			BrokerQty: broker.Qty,
			BrokerAvg: broker.AvgPrice,
			Detail:    detail,
		})
	}
	broker := snap[r.Code]

	// local consistency first
	switch {
	case r.State.Holding() && (r.Holding == nil || r.Holding.Qty <= 0):
		note(KindInconsistent, "holding state without quantity", broker)
		r.Flatten()
		reason = position.ReasonInconsistent
	case !r.State.Holding() && r.Holding != nil:
		note(KindInconsistent, "quantity outside a holding state", broker)
		r.Holding = nil
		reason = position.ReasonInconsistent
	}
	if h := r.Holding; h != nil && h.HighWater < h.AvgPrice {
		note(KindInconsistent, "high-water mark below entry", broker)
		h.HighWater = h.AvgPrice
		reason = position.ReasonInconsistent
	}

	switch {
	case r.State.Holding() && broker.Qty <= 0:
		note(KindExternalExit, "broker reports no quantity", broker)
		r.Flatten()
		reason = position.ReasonExternalExit

	case r.State.Holding():
		h := r.Holding
		if h.Qty != broker.Qty {
			note(KindQtyMismatch, "adopting broker quantity", broker)
			h.Qty = broker.Qty
			reason = position.ReasonPositionAdjusted
		}
		if broker.AvgPrice > 0 && h.AvgPrice != broker.AvgPrice {
			note(KindAvgMismatch, "adopting broker average", broker)
			h.AvgPrice = broker.AvgPrice
			if h.HighWater < h.AvgPrice {
				h.HighWater = h.AvgPrice
			}
			reason = position.ReasonPositionAdjusted
		}

	case broker.Qty > 0 && broker.AvgPrice > 0:
		note(KindExternalEntry, "broker reports a position while flat", broker)
		hw := broker.CurrentPrice
		if r.Price > hw {
			hw = r.Price
		}
		if broker.CurrentPrice > 0 && r.Price <= 0 {
			r.Price = broker.CurrentPrice
		}
		r.Open(broker.Qty, broker.AvgPrice, hw, now)
		reason = position.ReasonPositionAdjusted
	}
	return cs, reason
}
