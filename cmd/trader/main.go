package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trading-breakout/config"
	"trading-breakout/internal/api"
	"trading-breakout/internal/broker"
	"trading-breakout/internal/gateway"
	"trading-breakout/internal/journal"
	"trading-breakout/internal/logger"
	"trading-breakout/internal/markethours"
	"trading-breakout/internal/metrics"
	"trading-breakout/internal/model"
	"trading-breakout/internal/notification"
	"trading-breakout/internal/portfolio"
	"trading-breakout/internal/position"
	"trading-breakout/internal/reconcile"
	"trading-breakout/internal/slot"
	redisstore "trading-breakout/internal/store/redis"
	"trading-breakout/internal/trader"
	smartconnect "trading-breakout/pkg/smartconnect"
)

const retryDelay = 30 * time.Second

type app struct {
	cfg     *config.Config
	hours   *markethours.Session
	staging bool

	prom   *metrics.Metrics
	health *metrics.HealthStatus
	sinks  model.Sink
	alerts *notification.Dispatcher
	api    *api.Router
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// ---- Staging mode check ----
	stagingMode := strings.EqualFold(os.Getenv("STAGING_MODE"), "true")

	// ---- Load config from env ----
	var cfg *config.Config
	if stagingMode {
		var errs []error
		cfg, errs = config.Parse(os.Getenv)
		for _, err := range errs {
			log.Printf("[trader] config fallback: %v", err)
		}
	} else {
		cfg = config.Load() // requires Angel One env vars
	}
	logger.Init("trader", cfg.LogLevel)
	log.Println("[trader] starting...")
	if stagingMode {
		log.Printf("[trader] *** STAGING MODE: broker simulator at %s, no login ***", cfg.StreamURL)
	}

	hours, err := markethours.NewSession(cfg.SessionOpen, cfg.SessionClose)
	if err != nil {
		log.Printf("[trader] session hours %s-%s invalid (%v), using NSE defaults", cfg.SessionOpen, cfg.SessionClose, err)
		hours = markethours.NSE()
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prom, health)

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Journal (record of truth) ----
	jr, err := journal.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[trader] journal init failed (SQLITE_PATH=%s): %v", cfg.SQLitePath, err)
	}
	defer jr.Close()
	health.SetSQLiteOK(true)
	sinks := trader.Fanout{jr}

	router := api.NewRouter(jr)
	metricsSrv.Handle("/api/", router.Handler())
	metricsSrv.Start()

	// ---- Redis mirror ----
	var pinger metrics.Pinger
	pub, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Printf("[trader] WARNING: redis init failed: %v (continuing without redis)", err)
	} else {
		defer pub.Close()
		pinger = pub
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		buffered := redisstore.NewBufferedSink(ctx, pub, cb, 10000)
		trader.InstrumentRedis(cb, buffered, prom)
		buffered.OnFlush = func(n int) { log.Printf("[trader] replayed %d buffered redis writes", n) }
		sinks = append(sinks, buffered)
	}
	health.StartLivenessChecker(ctx, pinger, jr.DB(), 10*time.Second)

	// ---- Alerts ----
	backends := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	alerts := notification.NewDispatcher(backends, 256)
	alertsDone := make(chan struct{})
	go func() {
		alerts.Run(ctx)
		close(alertsDone)
	}()

	a := &app{
		cfg:     cfg,
		hours:   hours,
		staging: stagingMode,
		prom:    prom,
		health:  health,
		sinks:   sinks,
		alerts:  alerts,
		api:     router,
	}

	lifecycleDone := make(chan struct{})
	go func() {
		defer close(lifecycleDone)
		if stagingMode {
			if err := a.runSession(ctx, nil); err != nil {
				log.Printf("[trader] staging session ended: %v", err)
			}
			return
		}
		a.lifecycle(ctx)
	}()

	log.Printf("[trader] watching %d symbols, slots %d..%d, %s",
		len(cfg.Watchlist), cfg.SlotBase, cfg.SlotBase+cfg.SlotCount-1, hours.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[trader] shutdown signal received, cleaning up...")
	cancel()
	<-lifecycleDone
	<-alertsDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[trader] shutdown complete.")
}

// lifecycle waits for each market open, logs in with a fresh TOTP and runs
// the session until close.
func (a *app) lifecycle(ctx context.Context) {
	sc := smartconnect.NewSmartConnect(smartconnect.Config{
		APIKey:  a.cfg.AngelAPIKey,
		RootURL: a.cfg.LoginURL,
	})
	for {
		// --- Wait for market open ---
		now := time.Now()
		if !a.hours.IsOpen(now) {
			next := a.hours.NextOpen(now)
			wait := next.Sub(now)
			log.Printf("[trader] market closed. %s", a.hours.StatusString(now))
			log.Printf("[trader] sleeping %v until next open %s",
				wait.Truncate(time.Second), next.In(markethours.IST).Format("Mon 15:04"))
			a.health.SetMarketOpen(false)
			a.prom.MarketState.Set(0)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		// --- Fresh login (new TOTP + session) ---
		log.Println("[trader] market open, generating fresh session...")
		sess, err := sc.Login(ctx, a.cfg.AngelClientCode, a.cfg.AngelPassword, a.cfg.AngelTOTPSecret)
		if err != nil {
			log.Printf("[trader] login failed: %v, retrying in %s", err, retryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		log.Printf("[trader] session ready for %s", sess.ClientCode)

		a.health.SetMarketOpen(true)
		a.prom.MarketState.Set(1)
		a.prom.SessionTransitions.WithLabelValues("open").Inc()

		err = a.runSession(ctx, sess)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[trader] session ended: %v", err)
		}

		a.health.SetMarketOpen(false)
		a.prom.MarketState.Set(0)
		a.prom.SessionTransitions.WithLabelValues("close").Inc()

		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sc.Logout(logoutCtx, sess); err != nil {
			log.Printf("[trader] logout failed: %v", err)
		}
		logoutCancel()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, trader.ErrNoReferences) {
			// broker unusable right now; try again rather than idle until tomorrow
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

// runSession wires a fresh stream, gateway and position book for one
// session. sess is nil in staging.
func (a *app) runSession(ctx context.Context, sess *smartconnect.Session) error {
	cfg := a.cfg
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := slot.New(cfg.SlotBase, cfg.SlotCount)
	stream := smartconnect.NewStream(smartconnect.StreamConfig{
		URL:        cfg.StreamURL,
		APIKey:     cfg.AngelAPIKey,
		Session:    sess,
		ClientCode: cfg.AngelClientCode,
	})
	gw := gateway.New(gateway.Config{
		RequestInterval:      cfg.RequestInterval,
		ContinuationInterval: cfg.ContinuationInterval,
		Timeout:              cfg.RequestTimeout,
	}, pool, broker.NewStreamTransport(stream))
	trader.InstrumentGateway(gw, pool, a.prom, a.alerts)
	client := broker.NewClient(gw)

	rm := portfolio.NewRiskManager(portfolio.RiskLimits{
		MaxDailyBuys: cfg.DailyMaxBuys,
		MaxDailyLoss: cfg.DailyLossLimit,
	}, nil)
	trader.InstrumentRisk(rm, a.prom, a.health, a.alerts)

	book := position.New(position.Config{Thresholds: cfg.ThresholdsFor}, client,
		position.WithLimits(rm),
		position.WithRecorder(a.sinks),
		position.WithHooks(trader.PositionHooks(a.prom, a.alerts)))

	gw.SetPushHandler(broker.FillHandler(func(f model.FillEvent) { book.OnOrderFill(sctx, f) }))
	broker.Bridge(stream, gw, func(t model.Tick) {
		a.prom.TicksTotal.Inc()
		a.health.SetLastTickTime(time.Now())
		book.OnTick(sctx, t.Token, t.Price)
	})
	stream.OnConnect = func() { a.health.SetStreamConnected(true) }
	stream.OnDisconnect = func(error) { a.health.SetStreamConnected(false) }
	stream.OnReconnect = func() { a.prom.WSReconnects.Inc() }
	stream.Subscribe(sctx, broker.Subscriptions(cfg.Watchlist))

	recon := reconcile.New(client, book, cfg.ReconcileInterval)
	trader.InstrumentReconcile(recon, a.prom, a.alerts)

	var hours *markethours.Session
	if !a.staging {
		hours = a.hours
	}
	d := trader.New(trader.Config{
		Watchlist:    cfg.Watchlist,
		ScanInterval: cfg.ScanInterval,
		Session:      hours,
	}, book, client,
		trader.WithReconciler(recon),
		trader.WithLimits(rm),
		trader.WithSnapshots(a.sinks))
	d.OnScan = trader.ScanHook(a.prom, a.health)
	d.OnReferenceFail = func(string, error) { a.prom.ReferenceFails.Inc() }

	a.api.SetLive(&api.Live{Book: book, Risk: rm, Slots: pool})
	defer a.api.SetLive(nil)

	go gw.Run(sctx)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := stream.Run(sctx); err != nil {
			log.Printf("[trader] stream error: %v", err)
		}
	}()
	waitConnected(sctx, stream, 15*time.Second)

	err := d.RunSession(sctx)

	trader.Shutdown(gw, func() {
		cancel()
		<-streamDone
	}, pool)
	a.health.SetStreamConnected(false)
	return err
}

func waitConnected(ctx context.Context, s *smartconnect.Stream, limit time.Duration) {
	deadline := time.After(limit)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for !s.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Printf("[trader] stream not connected after %s, starting anyway", limit)
			return
		case <-t.C:
		}
	}
}
