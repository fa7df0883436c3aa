package trader

import (
	"fmt"
	"time"

	"trading-breakout/internal/gateway"
	"trading-breakout/internal/metrics"
	"trading-breakout/internal/model"
	"trading-breakout/internal/notification"
	"trading-breakout/internal/portfolio"
	"trading-breakout/internal/position"
	"trading-breakout/internal/reconcile"
	"trading-breakout/internal/slot"
	redisstore "trading-breakout/internal/store/redis"
)

// Alerter queues operator alerts. Notify must not block.
type Alerter interface {
	Notify(notification.Alert)
}

type noAlerts struct{}

func (noAlerts) Notify(notification.Alert) {}

func alerter(a Alerter) Alerter {
	if a == nil {
		return noAlerts{}
	}
	return a
}

// InstrumentGateway wires gateway and slot pool metrics. Repeated request
// failures raise one alert per streak.
func InstrumentGateway(gw *gateway.Gateway, pool *slot.Pool, m *metrics.Metrics, alerts Alerter) {
	alerts = alerter(alerts)
	failures := notification.NewFailureTracker("broker gateway", 3)

	gw.OnFinish = func(op gateway.OpKind, status gateway.Status, elapsed time.Duration) {
		m.GatewayRequests.WithLabelValues(string(op), status.String()).Inc()
		m.GatewayLatency.WithLabelValues(string(op)).Observe(elapsed.Seconds())
		m.SlotsInUse.Set(float64(pool.Stats().Assigned))
		m.GatewayQueueDepth.Set(float64(gw.InFlight()))

		var err error
		if status != gateway.StatusCompleted {
			err = fmt.Errorf("%s %s", op, status)
		}
		if a, ok := failures.Observe(err); ok {
			alerts.Notify(a)
		}
	}
	gw.OnPage = func(gateway.OpKind) { m.GatewayPages.Inc() }
	gw.OnStale = func() { m.GatewayStale.Inc() }
	gw.OnThrottle = func(wait time.Duration) { m.GatewayThrottle.Observe(wait.Seconds()) }
	gw.OnExhausted = func() { m.SlotExhaustion.Inc() }
}

// PositionHooks counts transitions and orders and alerts on every fill.
func PositionHooks(m *metrics.Metrics, alerts Alerter) position.Hooks {
	alerts = alerter(alerts)
	return position.Hooks{
		OnTransition: func(code string, from, to position.State, reason string) {
			m.Transitions.WithLabelValues(from.String(), to.String(), reason).Inc()
		},
		OnOrder: func(side model.Side, outcome string) {
			m.Orders.WithLabelValues(string(side), outcome).Inc()
		},
		OnTrade: func(tr model.TradeRecord) {
			alerts.Notify(notification.FillAlert(tr))
		},
	}
}

// InstrumentReconcile counts corrections and fetch failures. Every
// correction is alerted; failed cycles alert once per streak.
func InstrumentReconcile(e *reconcile.Engine, m *metrics.Metrics, alerts Alerter) {
	alerts = alerter(alerts)
	failures := notification.NewFailureTracker("reconciliation", 3)

	e.OnCorrection = func(c reconcile.Correction) {
		m.Corrections.WithLabelValues(string(c.Kind)).Inc()
		alerts.Notify(notification.CorrectionAlert(c.Code, string(c.Kind), c.Detail))
	}
	e.OnCycle = func(_ int, err error) {
		if err != nil {
			m.ReconcileErrors.Inc()
		}
		if a, ok := failures.Observe(err); ok {
			alerts.Notify(a)
		}
	}
}

// InstrumentRisk reports the loss-cap halt.
func InstrumentRisk(rm *portfolio.RiskManager, m *metrics.Metrics, health *metrics.HealthStatus, alerts Alerter) {
	alerts = alerter(alerts)
	rm.OnHalt = func(realized int64) {
		m.TradingHalted.Set(1)
		if health != nil {
			health.SetTradingHalted(true)
		}
		alerts.Notify(notification.HaltAlert(realized))
	}
}

// InstrumentRedis exports the breaker state and buffered writes. It keeps
// any state change callback already installed.
func InstrumentRedis(cb *redisstore.CircuitBreaker, bs *redisstore.BufferedSink, m *metrics.Metrics) {
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to redisstore.State) {
		if prev != nil {
			prev(from, to)
		}
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
	}
	if bs != nil {
		bs.OnBuffer = func() { m.RedisBufferedWrites.Inc() }
	}
}

// ScanHook returns an OnScan callback that updates gauges and health.
func ScanHook(m *metrics.Metrics, health *metrics.HealthStatus) func(ScanStats) {
	return func(st ScanStats) {
		m.ScanDuration.Observe(st.Elapsed.Seconds())
		m.OpenPositions.Set(float64(st.OpenPositions))
		m.RealizedPnL.Set(float64(st.RealizedPnL) / 100)
		if st.Halted {
			m.TradingHalted.Set(1)
		} else {
			m.TradingHalted.Set(0)
		}
		if health != nil {
			health.SetLastScanTime(st.At)
			health.SetTradingHalted(st.Halted)
		}
	}
}
