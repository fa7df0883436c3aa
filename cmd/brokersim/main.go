// cmd/brokersim — staging broker simulator.
// Speaks the same WebSocket envelope as the live stream so the trader can run
// end to end without broker credentials: reference prices, paged portfolio
// queries, order acks with asynchronous fill pushes, and binary LTP ticks.
//
// Config (env vars):
//
//	BROKERSIM_ADDR          — listen address (default: ":9001")
//	BROKERSIM_TOKENS        — comma-separated TOKEN:EXCHANGE pairs (default: "2885:NSE,11536:NSE,1594:NSE")
//	BROKERSIM_TICK_MS       — tick interval milliseconds (default: "500")
//	BROKERSIM_PAGE_SIZE     — holdings per portfolio page (default: "2")
//	BROKERSIM_FILL_DELAY_MS — delay before an order fills (default: "200")
//	BROKERSIM_PARTIAL       — "true" fills every order in two reports
//	BROKERSIM_GAP_BPS       — today's open above the prior close, basis points (default: "50")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	smartconnect "trading-breakout/pkg/smartconnect"
)

type outMsg struct {
	binary bool
	data   []byte
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	ch     chan outMsg
	mu     sync.Mutex
	subs   map[string]bool
	closed bool
}

// send never blocks; fills can arrive after the client has gone.
func (c *client) send(m outMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- m:
	default: // slow client — drop
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func (c *client) subscribed(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[token]
}

func (c *client) subscribe(params map[string]any) int {
	b, err := json.Marshal(params["tokenList"])
	if err != nil {
		return 0
	}
	var entries []smartconnect.TokenListEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range entries {
		for _, t := range e.Tokens {
			if !c.subs[t] {
				c.subs[t] = true
				n++
			}
		}
	}
	return n
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{ch: make(chan outMsg, 256), subs: make(map[string]bool)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		c.close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(t smartconnect.Tick) {
	msg := outMsg{binary: true, data: smartconnect.EncodeTick(t)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.subscribed(t.Token) {
			c.send(msg)
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, ex *exchange) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[brokersim] upgrade error: %v", err)
			return
		}
		log.Printf("[brokersim] client connected: %s (%s)", r.RemoteAddr, r.Header.Get("x-client-code"))

		c := h.register(conn)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			writePump(conn, c.ch)
		}()
		defer func() {
			h.unregister(conn)
			wg.Wait()
			conn.Close()
			log.Printf("[brokersim] client disconnected: %s", r.RemoteAddr)
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req smartconnect.Outbound
			if err := json.Unmarshal(raw, &req); err != nil {
				log.Printf("[brokersim] bad frame: %v", err)
				continue
			}
			if req.Action == smartconnect.ActionSubscribe {
				n := c.subscribe(req.Params)
				log.Printf("[brokersim] %s subscribed to %d new tokens", r.RemoteAddr, n)
				continue
			}
			push := func(in smartconnect.Inbound) { c.send(textMsg(in)) }
			if resp, ok := ex.handle(req, push); ok {
				c.send(textMsg(resp))
			}
		}
	}
}

// writePump is the only writer on conn. Text frames carry envelopes,
// binary frames carry ticks.
func writePump(conn *websocket.Conn, ch <-chan outMsg) {
	for m := range ch {
		mt := websocket.TextMessage
		if m.binary {
			mt = websocket.BinaryMessage
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(mt, m.data); err != nil {
			return
		}
	}
}

func textMsg(in smartconnect.Inbound) outMsg {
	b, err := json.Marshal(in)
	if err != nil {
		log.Printf("[brokersim] encode: %v", err)
	}
	return outMsg{data: b}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

func runGenerator(h *hub, ex *exchange, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var seq int64
	for range ticker.C {
		seq++
		for _, t := range ex.walk(rng, seq, time.Now().UTC()) {
			h.broadcast(t)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[brokersim] starting broker simulator...")

	addr := envOrDefault("BROKERSIM_ADDR", ":9001")
	tokensEnv := envOrDefault("BROKERSIM_TOKENS", "2885:NSE,11536:NSE,1594:NSE")
	tickMs := envIntOrDefault("BROKERSIM_TICK_MS", 500)
	pageSize := envIntOrDefault("BROKERSIM_PAGE_SIZE", 2)
	fillDelayMs := envIntOrDefault("BROKERSIM_FILL_DELAY_MS", 200)
	partial := strings.EqualFold(os.Getenv("BROKERSIM_PARTIAL"), "true")
	gapBps := envIntOrDefault("BROKERSIM_GAP_BPS", 50)

	instruments := parseInstruments(tokensEnv, int64(gapBps))
	if len(instruments) == 0 {
		log.Fatalf("[brokersim] no instruments configured via BROKERSIM_TOKENS")
	}
	log.Printf("[brokersim] instruments: %+v", instruments)
	log.Printf("[brokersim] tick interval %dms, page size %d, fill delay %dms, partial=%v",
		tickMs, pageSize, fillDelayMs, partial)

	h := newHub()
	ex := newExchange(instruments, pageSize, time.Duration(fillDelayMs)*time.Millisecond, partial)

	go runGenerator(h, ex, time.Duration(tickMs)*time.Millisecond)

	http.HandleFunc("/ws", wsHandler(h, ex))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"brokersim"}`)
	})

	log.Printf("[brokersim] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[brokersim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments builds the simulated book. Each symbol opens gapBps above
// its prior close and starts trading just below it, so a dip-and-recover
// breakout is reachable.
func parseInstruments(s string, gapBps int64) []instrument {
	// Default prior closes in paise (INR × 100)
	defaultPrices := map[string]int64{
		"2885":  1450_00, // Reliance
		"11536": 3400_00, // TCS
		"1594":  1500_00, // Infosys
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[brokersim] skipping invalid token entry: %q", part)
			continue
		}
		token, exchange := strings.TrimSpace(seg[0]), strings.TrimSpace(seg[1])
		prev := defaultPrices[token]
		if prev == 0 {
			prev = 1000_00 // default ₹1000.00
		}
		result = append(result, instrument{
			Token:     token,
			Exchange:  exchange,
			PrevClose: prev,
			Open:      prev + prev*gapBps/10000,
			Price:     prev - prev/500,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
