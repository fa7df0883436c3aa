package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"trading-breakout/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	LoginURL        string
	StreamURL       string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	LogLevel      slog.Level

	// Gateway
	SlotBase             int
	SlotCount            int
	RequestInterval      time.Duration
	ContinuationInterval time.Duration
	RequestTimeout       time.Duration

	// Driver
	ScanInterval      time.Duration
	ReconcileInterval time.Duration
	SessionOpen       string // "HH:MM" exchange time
	SessionClose      string

	// Daily limits
	DailyMaxBuys   int
	DailyLossLimit int64 // paise, 0 disables

	// Alerts
	TelegramToken  string
	TelegramChatID string
	WebhookURL     string

	Watchlist  []model.Instrument
	Thresholds Thresholds
	Overrides  map[string]Thresholds // by instrument token
}

// ThresholdsFor returns the thresholds for token, falling back to the defaults.
func (c *Config) ThresholdsFor(token string) Thresholds {
	if t, ok := c.Overrides[token]; ok {
		return t
	}
	return c.Thresholds
}

// Load reads configuration from the process environment. Credentials are
// required; every other invalid value is logged and replaced by its default.
func Load() *Config {
	for _, k := range []string{"ANGEL_API_KEY", "ANGEL_CLIENT_CODE", "ANGEL_PASSWORD", "ANGEL_TOTP_SECRET"} {
		mustEnv(k)
	}
	cfg, errs := Parse(os.Getenv)
	for _, err := range errs {
		slog.Warn("config fallback", "error", err)
	}
	return cfg
}

// Parse builds a Config from lookup. It never fails: each invalid entry is
// reported as a *ConfigurationError and its default is used instead.
func Parse(lookup func(string) string) (*Config, []error) {
	p := &parser{lookup: lookup}

	cfg := &Config{
		AngelAPIKey:     p.str("ANGEL_API_KEY", ""),
		AngelClientCode: p.str("ANGEL_CLIENT_CODE", ""),
		AngelPassword:   p.str("ANGEL_PASSWORD", ""),
		AngelTOTPSecret: p.str("ANGEL_TOTP_SECRET", ""),
		LoginURL:        p.str("ANGEL_LOGIN_URL", "https://apiconnect.angelone.in"),
		StreamURL:       p.str("BROKER_STREAM_URL", "ws://localhost:9001/ws"),

		RedisAddr:     p.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: p.str("REDIS_PASSWORD", ""),
		SQLitePath:    p.str("SQLITE_PATH", "data/journal.db"),
		MetricsAddr:   p.str("METRICS_ADDR", ":9090"),
		LogLevel:      p.level("LOG_LEVEL", slog.LevelInfo),

		SlotBase:             p.positiveInt("SLOT_BASE", 2001),
		SlotCount:            p.positiveInt("SLOT_COUNT", 10),
		RequestInterval:      p.duration("REQUEST_INTERVAL", 250*time.Millisecond),
		ContinuationInterval: p.duration("CONTINUATION_INTERVAL", time.Second),
		RequestTimeout:       p.duration("REQUEST_TIMEOUT", 10*time.Second),

		ScanInterval:      p.duration("SCAN_INTERVAL", 2*time.Second),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", time.Minute),
		SessionOpen:       p.clock("SESSION_OPEN", "09:15"),
		SessionClose:      p.clock("SESSION_CLOSE", "15:30"),

		DailyMaxBuys:   p.positiveInt("DAILY_MAX_BUYS", 20),
		DailyLossLimit: p.paise("DAILY_LOSS_LIMIT", 0),

		TelegramToken:  p.str("TELEGRAM_TOKEN", ""),
		TelegramChatID: p.str("TELEGRAM_CHAT_ID", ""),
		WebhookURL:     p.str("ALERT_WEBHOOK_URL", ""),
	}

	cfg.Watchlist = p.watchlist("WATCHLIST", "2885:NSE:RELIANCE,11536:NSE:TCS,1594:NSE:INFY")

	defaults := DefaultThresholds()
	base, errs := ParseThresholds(defaults, thresholdEnv(lookup))
	p.errs = append(p.errs, errs...)
	cfg.Thresholds = base

	cfg.Overrides = p.overrides("SYMBOL_OVERRIDES", base)

	return cfg, p.errs
}

// thresholdEnv maps threshold keys to their environment variables.
func thresholdEnv(lookup func(string) string) map[string]string {
	out := make(map[string]string)
	for _, k := range thresholdKeys {
		if v := strings.TrimSpace(lookup(strings.ToUpper(k))); v != "" {
			out[k] = v
		}
	}
	return out
}

type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, &ConfigurationError{Key: key, Value: value, Err: err})
}

func (p *parser) str(key, fallback string) string {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	return v
}

func (p *parser) positiveInt(key string, fallback int) int {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(key, v, errNotPositive)
		return fallback
	}
	return n
}

func (p *parser) paise(key string, fallback int64) int64 {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		p.fail(key, v, errNegative)
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, v, errNotPositive)
		return fallback
	}
	return d
}

func (p *parser) clock(key, fallback string) string {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	if _, err := time.Parse("15:04", v); err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return v
}

func (p *parser) level(key string, fallback slog.Level) slog.Level {
	v := strings.TrimSpace(p.lookup(key))
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return l
}

// watchlist parses "token:exchange:name,..." entries. Malformed entries are skipped.
func (p *parser) watchlist(key, fallback string) []model.Instrument {
	raw := p.str(key, fallback)
	var out []model.Instrument
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			p.fail(key, entry, errBadWatchlistEntry)
			continue
		}
		inst := model.Instrument{Token: parts[0], Exchange: parts[1], Name: parts[0]}
		if len(parts) >= 3 && parts[2] != "" {
			inst.Name = parts[2]
		}
		if seen[inst.Token] {
			continue
		}
		seen[inst.Token] = true
		out = append(out, inst)
	}
	return out
}

// overrides parses "TOKEN:key=value;key=value,TOKEN:..." into per-token thresholds.
func (p *parser) overrides(key string, base Thresholds) map[string]Thresholds {
	raw := p.str(key, "")
	out := make(map[string]Thresholds)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, body, ok := strings.Cut(entry, ":")
		if !ok || token == "" {
			p.fail(key, entry, errBadOverride)
			continue
		}
		kv := make(map[string]string)
		for _, pair := range strings.Split(body, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				p.fail(key, pair, errBadOverride)
				continue
			}
			kv[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		t, errs := ParseThresholds(base, kv)
		for _, err := range errs {
			if ce, ok := err.(*ConfigurationError); ok {
				ce.Key = token + "." + ce.Key
			}
			p.errs = append(p.errs, err)
		}
		out[token] = t
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}
