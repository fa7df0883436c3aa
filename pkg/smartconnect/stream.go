package smartconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	RootURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// StreamConfig configures the SmartStream connection.
type StreamConfig struct {
	URL        string // default RootURI
	APIKey     string
	Session    *Session // nil for an unauthenticated staging feed
	ClientCode string   // used when Session is nil

	Heartbeat         time.Duration // default HeartBeatInterval
	ReadTimeout       time.Duration // default 3x heartbeat
	WriteTimeout      time.Duration // default 5s
	ReconnectDelay    time.Duration // default 2s
	MaxReconnectDelay time.Duration // default 30s
}

func (c *StreamConfig) defaults() {
	if c.URL == "" {
		c.URL = RootURI
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = HeartBeatInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.Heartbeat
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Stream is a reconnecting SmartStream client. Text frames are decoded into
// Inbound and binary frames into Tick; both are delivered on the read
// goroutine. Subscriptions are replayed after every reconnect.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer

	wmu  sync.Mutex // serializes writes and guards conn
	conn *websocket.Conn

	smu  sync.Mutex
	subs map[int][]string // exchange type -> tokens

	connected atomic.Bool

	// Callbacks
	OnFrame      func(Inbound)
	OnTick       func(Tick)
	OnConnect    func()
	OnDisconnect func(err error)
	OnReconnect  func()
}

// NewStream creates a stream. Call Run to connect.
func NewStream(cfg StreamConfig) *Stream {
	cfg.defaults()
	return &Stream{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		subs:   make(map[int][]string),
	}
}

// Connected reports whether a connection is currently up.
func (s *Stream) Connected() bool { return s.connected.Load() }

func (s *Stream) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", s.cfg.APIKey)
	if sess := s.cfg.Session; sess != nil {
		h.Set("Authorization", sess.AuthHeader())
		h.Set("x-client-code", sess.ClientCode)
		h.Set("x-feed-token", sess.FeedToken)
	} else if s.cfg.ClientCode != "" {
		h.Set("x-client-code", s.cfg.ClientCode)
	}
	return h
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		connectedOnce, err := s.runOnce(ctx)
		if err == nil {
			return nil
		}
		if connectedOnce {
			delay = s.cfg.ReconnectDelay
		}

		log.Printf("[smartstream] disconnected (%v), reconnecting in %s...", err, delay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection and reads until it drops. It returns a
// nil error only when ctx was cancelled.
func (s *Stream) runOnce(ctx context.Context) (bool, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, s.header())
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %s: %w", s.cfg.URL, resp.Status, err)
		}
		return false, err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	s.wmu.Lock()
	s.conn = conn
	s.wmu.Unlock()
	s.connected.Store(true)
	log.Printf("[smartstream] connected to %s", s.cfg.URL)

	done := make(chan struct{})
	defer func() {
		close(done)
		s.wmu.Lock()
		s.conn = nil
		s.wmu.Unlock()
		s.connected.Store(false)
	}()

	if err := s.resubscribe(); err != nil {
		return true, err
	}
	if s.OnConnect != nil {
		s.OnConnect()
	}

	go s.heartbeat(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			s.wmu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			s.wmu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if s.OnDisconnect != nil {
				s.OnDisconnect(err)
			}
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.dispatch(mt, raw)
	}
}

func (s *Stream) dispatch(mt int, raw []byte) {
	switch mt {
	case websocket.BinaryMessage:
		t, err := ParseTick(raw)
		if err != nil {
			log.Printf("[smartstream] tick parse error: %v (%d bytes)", err, len(raw))
			return
		}
		if s.OnTick != nil {
			s.OnTick(t)
		}
	case websocket.TextMessage:
		if string(raw) == "pong" {
			return
		}
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			log.Printf("[smartstream] frame parse error: %v (raw: %.200s)", err, raw)
			return
		}
		if s.OnFrame != nil {
			s.OnFrame(in)
		}
	}
}

func (s *Stream) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte(HeartBeatMessage),
				time.Now().Add(s.cfg.WriteTimeout))
			s.wmu.Unlock()
			if err != nil {
				log.Printf("[smartstream] ping write error: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// Send writes one request frame. It fails fast while disconnected.
func (s *Stream) Send(ctx context.Context, f Outbound) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("smartconnect: write %s: %w", f.CorrelationID, err)
	}
	return nil
}

// Subscribe adds LTP subscriptions. Entries are kept and replayed on every
// reconnect; the frame is sent now if connected.
func (s *Stream) Subscribe(ctx context.Context, entries []TokenListEntry) error {
	s.smu.Lock()
	for _, e := range entries {
		seen := make(map[string]bool, len(s.subs[e.ExchangeType]))
		for _, t := range s.subs[e.ExchangeType] {
			seen[t] = true
		}
		for _, t := range e.Tokens {
			if !seen[t] {
				s.subs[e.ExchangeType] = append(s.subs[e.ExchangeType], t)
				seen[t] = true
			}
		}
	}
	s.smu.Unlock()

	if !s.Connected() {
		return nil
	}
	return s.Send(ctx, subscribeFrame(entries))
}

func (s *Stream) resubscribe() error {
	s.smu.Lock()
	var entries []TokenListEntry
	for ex, toks := range s.subs {
		entries = append(entries, TokenListEntry{ExchangeType: ex, Tokens: append([]string(nil), toks...)})
	}
	s.smu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	return s.Send(context.Background(), subscribeFrame(entries))
}

func subscribeFrame(entries []TokenListEntry) Outbound {
	return Outbound{
		CorrelationID: "subscribe",
		Action:        ActionSubscribe,
		Params: map[string]any{
			"mode":      ModeLTP,
			"tokenList": entries,
		},
	}
}
