package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-breakout/internal/metrics"
	"trading-breakout/internal/model"
	"trading-breakout/internal/notification"
	"trading-breakout/internal/portfolio"
	"trading-breakout/internal/position"
	"trading-breakout/internal/reconcile"
	redisstore "trading-breakout/internal/store/redis"
)

type alerts struct{ got []notification.Alert }

func (a *alerts) Notify(al notification.Alert) { a.got = append(a.got, al) }

func TestPositionHooks_CountAndAlert(t *testing.T) {
	m := metrics.NewMetrics()
	a := &alerts{}
	h := PositionHooks(m, a)

	h.OnTransition("2885", position.Waiting, position.Ready, position.ReasonBreakout)
	h.OnOrder(model.SideBuy, "submitted")
	h.OnTrade(model.TradeRecord{Token: "2885", Side: model.SideBuy, Qty: 3, Price: 10050, OrderID: "B-1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("waiting", "ready", "breakout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("BUY", "submitted")))
	require.Len(t, a.got, 1)
	assert.Contains(t, a.got[0].Message, "100.50")
}

func TestInstrumentReconcile_AlertsOncePerFailureStreak(t *testing.T) {
	m := metrics.NewMetrics()
	a := &alerts{}
	e := reconcile.New(errFetcher{}, newBook(&placer{}), time.Minute)
	InstrumentReconcile(e, m, a)

	for i := 0; i < 5; i++ {
		_, _ = e.Reconcile(context.Background())
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ReconcileErrors))
	require.Len(t, a.got, 1)
	assert.Equal(t, notification.AlertCritical, a.got[0].Level)

	e.OnCorrection(reconcile.Correction{Code: "2885", Kind: reconcile.KindExternalExit, Detail: "broker reports no quantity"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Corrections.WithLabelValues("external_exit")))
	assert.Len(t, a.got, 2)
}

type errFetcher struct{}

func (errFetcher) FetchPortfolioSnapshot(context.Context) (model.PortfolioSnapshot, error) {
	return nil, errors.New("gateway: request timed out")
}

func TestInstrumentRisk_HaltSetsGaugeAndAlerts(t *testing.T) {
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	a := &alerts{}
	rm := portfolio.NewRiskManager(portfolio.RiskLimits{MaxDailyLoss: 100}, nil)
	InstrumentRisk(rm, m, health, a)

	rm.RecordExit("2885", 1, 10100, 10000)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradingHalted))
	require.Len(t, a.got, 1)
	assert.Equal(t, "Trading halted", a.got[0].Title)
}

func TestInstrumentRedis_TracksBreakerState(t *testing.T) {
	m := metrics.NewMetrics()
	cb := redisstore.NewCircuitBreaker(1, time.Hour)
	var prev int
	cb.OnStateChange = func(_, _ redisstore.State) { prev++ }
	InstrumentRedis(cb, nil, m)

	_ = cb.Execute(func() error { return errors.New("connection refused") })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisCircuitBreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisCircuitBreakerTrips))
	assert.Equal(t, 1, prev, "existing callback still runs")
}

func TestScanHook_UpdatesGaugesAndHealth(t *testing.T) {
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	hook := ScanHook(m, health)

	hook(ScanStats{Elapsed: 3 * time.Millisecond, OpenPositions: 2, RealizedPnL: -12345, At: t0})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenPositions))
	assert.Equal(t, -123.45, testutil.ToFloat64(m.RealizedPnL))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TradingHalted))
}
