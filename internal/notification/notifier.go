// Package notification delivers trading alerts to external channels
// (Telegram, webhooks) and the log.
package notification

import (
	"context"
	"errors"
	"log"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertKind tags what an alert is about, so channels can route or mute it.
type AlertKind string

const (
	KindFill       AlertKind = "fill"
	KindCorrection AlertKind = "correction"
	KindHalt       AlertKind = "halt"
	KindFailure    AlertKind = "failure"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Kind    AlertKind  `json:"kind,omitempty"`
	Token   string     `json:"token,omitempty"` // instrument, when the alert concerns one
	Title   string     `json:"title"`
	Message string     `json:"message"`
	At      time.Time  `json:"at,omitempty"` // zero means "when sent"
}

func (a Alert) at() time.Time {
	if a.At.IsZero() {
		return time.Now()
	}
	return a.At
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues alerts and delivers them from its own goroutine so that
// trading callbacks never wait on HTTP. A full queue drops the alert.
type Dispatcher struct {
	n       Notifier
	ch      chan Alert
	timeout time.Duration

	OnDrop func(Alert)
}

// NewDispatcher creates a dispatcher with a queue of size buf.
func NewDispatcher(n Notifier, buf int) *Dispatcher {
	if buf <= 0 {
		buf = 64
	}
	return &Dispatcher{n: n, ch: make(chan Alert, buf), timeout: 15 * time.Second}
}

// Notify enqueues alert without blocking.
func (d *Dispatcher) Notify(alert Alert) {
	select {
	case d.ch <- alert:
	default:
		log.Printf("[notify] queue full, dropping %q", alert.Title)
		if d.OnDrop != nil {
			d.OnDrop(alert)
		}
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// already queued with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case a := <-d.ch:
			d.deliver(ctx, a)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case a := <-d.ch:
			d.deliver(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.n.Send(sctx, a); err != nil {
		log.Printf("[notify] delivery failed for %q: %v", a.Title, err)
	}
}
