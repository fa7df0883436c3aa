package smartconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	headers  []http.Header
	received []Outbound
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t, conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		s.conns <- c
		for {
			var f Outbound
			if err := c.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, f)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) frames() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outbound(nil), s.received...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickRoundTrip(t *testing.T) {
	in := Tick{ExchangeType: NSE_CM, Token: "2885", Sequence: 7,
		ExchangeTS: time.UnixMilli(1772424000123).UTC(), LTP: 10050}
	out, err := ParseTick(EncodeTick(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != ModeLTP || out.Token != in.Token || out.Sequence != 7 || out.LTP != 10050 ||
		out.ExchangeType != NSE_CM || !out.ExchangeTS.Equal(in.ExchangeTS) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if _, err := ParseTick(make([]byte, 10)); err != ErrShortTickData {
		t.Errorf("short packet err = %v", err)
	}
	if ExchangeType("NSE") != NSE_CM || ExchangeName(BSE_CM) != "BSE" || ExchangeType("XYZ") != 0 {
		t.Error("exchange mapping")
	}
}

func TestStream_SendReceiveAndResubscribe(t *testing.T) {
	ws := newWSServer(t)
	st := NewStream(StreamConfig{
		URL:            ws.url(),
		APIKey:         "key",
		Session:        &Session{ClientCode: "C1", JWTToken: "jwt", FeedToken: "feed"},
		ReconnectDelay: 10 * time.Millisecond,
	})

	frames := make(chan Inbound, 4)
	ticks := make(chan Tick, 4)
	st.OnFrame = func(in Inbound) { frames <- in }
	st.OnTick = func(tk Tick) { ticks <- tk }

	if err := st.Send(context.Background(), Outbound{CorrelationID: "early"}); err != ErrNotConnected {
		t.Errorf("send before connect = %v", err)
	}
	st.Subscribe(context.Background(), []TokenListEntry{{ExchangeType: NSE_CM, Tokens: []string{"2885"}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	conn := <-ws.conns
	waitFor(t, "connected", st.Connected)

	ws.mu.Lock()
	h := ws.headers[0]
	ws.mu.Unlock()
	if h.Get("Authorization") != "Bearer jwt" || h.Get("x-feed-token") != "feed" || h.Get("x-api-key") != "key" {
		t.Errorf("headers = %v", h)
	}

	req := Outbound{CorrelationID: "c1", Slot: "2001", Action: "portfolio", Continuation: true, Cursor: "p2"}
	if err := st.Send(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "request frame", func() bool { return len(ws.frames()) == 2 })
	got := ws.frames()
	if got[0].Action != ActionSubscribe || got[1].CorrelationID != "c1" || got[1].Cursor != "p2" || !got[1].Continuation {
		t.Errorf("frames = %+v", got)
	}

	conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"correlationID":"c1","slot":"2001","kind":"response","records":[{"a":1}],"hasMore":true,"cursor":"p3"}`))
	conn.WriteMessage(websocket.BinaryMessage, EncodeTick(Tick{ExchangeType: NSE_CM, Token: "2885", LTP: 10100}))

	select {
	case in := <-frames:
		if in.CorrelationID != "c1" || !in.HasMore || in.Cursor != "p3" || len(in.Records) != 1 {
			t.Errorf("inbound = %+v", in)
		}
		var rec map[string]int
		json.Unmarshal(in.Records[0], &rec)
		if rec["a"] != 1 {
			t.Errorf("record = %s", in.Records[0])
		}
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
	select {
	case tk := <-ticks:
		if tk.Token != "2885" || tk.LTP != 10100 {
			t.Errorf("tick = %+v", tk)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}

	// server drops the connection; the stream reconnects and replays the subscription
	conn.Close()
	<-ws.conns
	waitFor(t, "resubscribe", func() bool {
		fs := ws.frames()
		return len(fs) == 3 && fs[2].Action == ActionSubscribe
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
