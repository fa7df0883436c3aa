package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trader.
type Metrics struct {
	Registry *prometheus.Registry

	// Request gateway
	GatewayRequests   *prometheus.CounterVec   // labels: op, status
	GatewayLatency    *prometheus.HistogramVec // labels: op
	GatewayPages      prometheus.Counter
	GatewayStale      prometheus.Counter
	GatewayThrottle   prometheus.Histogram
	GatewayQueueDepth prometheus.Gauge

	// Session slots
	SlotsInUse     prometheus.Gauge
	SlotExhaustion prometheus.Counter

	// Position machine
	Transitions    *prometheus.CounterVec // labels: from, to, reason
	Orders         *prometheus.CounterVec // labels: side, outcome
	OpenPositions  prometheus.Gauge
	RealizedPnL    prometheus.Gauge // rupees
	ScanDuration   prometheus.Histogram
	TradingHalted  prometheus.Gauge
	ReferenceFails prometheus.Counter

	// Reconciliation
	Corrections     *prometheus.CounterVec // labels: kind
	ReconcileErrors prometheus.Counter

	// Stream
	TicksTotal   prometheus.Counter
	WSReconnects prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session state
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close
}

// NewMetrics creates the metrics on their own registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gateway_requests_total",
			Help: "Gateway requests by operation and terminal status",
		}, []string{"op", "status"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_gateway_request_duration_seconds",
			Help:    "Submit-to-terminal latency of gateway requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"op"}),
		GatewayPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_gateway_pages_total",
			Help: "Response pages received",
		}),
		GatewayStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_gateway_stale_events_total",
			Help: "Events dropped for an unknown or finished correlation id",
		}),
		GatewayThrottle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_gateway_throttle_wait_seconds",
			Help:    "Time a send waited for the rate limit",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		GatewayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_gateway_in_flight",
			Help: "Requests holding a session slot",
		}),

		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_slots_in_use",
			Help: "Assigned session slots",
		}),
		SlotExhaustion: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_slot_exhaustion_total",
			Help: "Submissions rejected because no slot was free",
		}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_state_transitions_total",
			Help: "Position state transitions",
		}, []string{"from", "to", "reason"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order lifecycle events by side and outcome",
		}, []string{"side", "outcome"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Symbols in a holding state",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_realized_pnl_rupees",
			Help: "Realized P&L for the session",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_scan_duration_seconds",
			Help:    "Time to evaluate the whole watchlist once",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		TradingHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_trading_halted",
			Help: "1 when the daily loss limit has stopped new entries",
		}),
		ReferenceFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reference_failures_total",
			Help: "Reference price loads that failed",
		}),

		Corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_reconcile_corrections_total",
			Help: "Reconciliation corrections by kind",
		}, []string{"kind"}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_errors_total",
			Help: "Reconciliation cycles skipped on snapshot failure",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Price ticks received from the stream",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "Stream reconnection attempts",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_buffered_writes_total",
			Help: "Writes buffered while Redis was unavailable",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_session_transitions_total",
			Help: "Session open/close transitions",
		}, []string{"type"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GatewayRequests,
		m.GatewayLatency,
		m.GatewayPages,
		m.GatewayStale,
		m.GatewayThrottle,
		m.GatewayQueueDepth,
		m.SlotsInUse,
		m.SlotExhaustion,
		m.Transitions,
		m.Orders,
		m.OpenPositions,
		m.RealizedPnL,
		m.ScanDuration,
		m.TradingHalted,
		m.ReferenceFails,
		m.Corrections,
		m.ReconcileErrors,
		m.TicksTotal,
		m.WSReconnects,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool
	LastTickTime    time.Time
	LastScanTime    time.Time
	RedisEnabled    bool
	RedisConnected  bool
	SQLiteOK        bool
	MarketOpen      bool
	TradingHalted   bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), now: time.Now}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastScanTime(t time.Time) {
	h.mu.Lock()
	h.LastScanTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketOpen(v bool) {
	h.mu.Lock()
	h.MarketOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTradingHalted(v bool) {
	h.mu.Lock()
	h.TradingHalted = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb Pinger) {
	start := time.Now()
	err := rdb.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil when
// Redis is not configured.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb Pinger, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

type healthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	StreamConnected bool    `json:"stream_connected"`
	MarketOpen      bool    `json:"market_open"`
	TradingHalted   bool    `json:"trading_halted"`
	LastTickTime    string  `json:"last_tick_time"`
	TickAge         string  `json:"tick_age"`
	LastScanTime    string  `json:"last_scan_time"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint. The journal is required; Redis
// only degrades the status when it is configured. A closed market does not
// count against the stream.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	streamDown := h.MarketOpen && !h.StreamConnected
	redisDown := h.RedisEnabled && !h.RedisConnected
	if streamDown || redisDown || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && streamDown {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = h.now().Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	report := healthReport{
		Status:          overallStatus,
		Uptime:          h.now().Sub(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		MarketOpen:      h.MarketOpen,
		TradingHalted:   h.TradingHalted,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		LastScanTime:    h.LastScanTime.Format(time.RFC3339),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		mux:  mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Handle mounts h at pattern. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
