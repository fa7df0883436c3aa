package config

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParse_Defaults(t *testing.T) {
	cfg, errs := Parse(envMap(nil))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.SlotBase != 2001 || cfg.SlotCount != 10 {
		t.Errorf("slots = %d/%d, want 2001/10", cfg.SlotBase, cfg.SlotCount)
	}
	if len(cfg.Watchlist) != 3 {
		t.Errorf("watchlist len = %d, want 3", len(cfg.Watchlist))
	}
	if !cfg.Thresholds.TrailingFallRate.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("trailing = %s", cfg.Thresholds.TrailingFallRate)
	}
}

func TestParse_InvalidValuesFallBack(t *testing.T) {
	cfg, errs := Parse(envMap(map[string]string{
		"SLOT_COUNT":         "-3",
		"REQUEST_INTERVAL":   "soon",
		"STOP_LOSS_RATE":     "1.5",
		"MAX_BUY_ATTEMPTS":   "0",
		"TRAILING_FALL_RATE": "0.03",
	}))
	if len(errs) != 4 {
		t.Fatalf("got %d errors, want 4: %v", len(errs), errs)
	}
	for _, err := range errs {
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("error %v is not a ConfigurationError", err)
		}
	}
	def := DefaultThresholds()
	if cfg.SlotCount != 10 {
		t.Errorf("SlotCount = %d, want fallback 10", cfg.SlotCount)
	}
	if cfg.RequestInterval != 250*time.Millisecond {
		t.Errorf("RequestInterval = %v", cfg.RequestInterval)
	}
	if !cfg.Thresholds.StopLossRate.Equal(def.StopLossRate) {
		t.Errorf("StopLossRate = %s, want default", cfg.Thresholds.StopLossRate)
	}
	if cfg.Thresholds.MaxBuyAttempts != def.MaxBuyAttempts {
		t.Errorf("MaxBuyAttempts = %d", cfg.Thresholds.MaxBuyAttempts)
	}
	if !cfg.Thresholds.TrailingFallRate.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("valid trailing override lost: %s", cfg.Thresholds.TrailingFallRate)
	}
}

func TestParseThresholds_TargetOrder(t *testing.T) {
	def := DefaultThresholds()
	got, errs := ParseThresholds(def, map[string]string{"full_take_profit_rate": "0.01"})
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if !got.FullTakeProfitRate.Equal(def.FullTakeProfitRate) || !got.PartialTakeProfitRate.Equal(def.PartialTakeProfitRate) {
		t.Errorf("targets not restored: %s / %s", got.PartialTakeProfitRate, got.FullTakeProfitRate)
	}
}

func TestParse_SymbolOverrides(t *testing.T) {
	cfg, errs := Parse(envMap(map[string]string{
		"SYMBOL_OVERRIDES": "2885:stop_loss_rate=0.01;max_buy_attempts=5,11536:bogus=1",
	}))
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	var ce *ConfigurationError
	if !errors.As(errs[0], &ce) || ce.Key != "11536.bogus" {
		t.Errorf("unexpected error %v", errs[0])
	}

	rel := cfg.ThresholdsFor("2885")
	if !rel.StopLossRate.Equal(decimal.RequireFromString("0.01")) || rel.MaxBuyAttempts != 5 {
		t.Errorf("override not applied: %+v", rel)
	}
	if !rel.TrailingFallRate.Equal(cfg.Thresholds.TrailingFallRate) {
		t.Errorf("override must inherit unset keys")
	}
	if got := cfg.ThresholdsFor("1594"); got.MaxBuyAttempts != cfg.Thresholds.MaxBuyAttempts {
		t.Errorf("non-overridden token should use defaults")
	}
}

func TestParse_Watchlist(t *testing.T) {
	cfg, errs := Parse(envMap(map[string]string{
		"WATCHLIST": "2885:NSE:RELIANCE, 2885:NSE:DUP, bad, 99926000:NSE",
	}))
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if len(cfg.Watchlist) != 2 {
		t.Fatalf("watchlist = %+v", cfg.Watchlist)
	}
	if cfg.Watchlist[0].Name != "RELIANCE" {
		t.Errorf("name = %q", cfg.Watchlist[0].Name)
	}
	if cfg.Watchlist[1].Name != "99926000" {
		t.Errorf("missing name should default to token, got %q", cfg.Watchlist[1].Name)
	}
}
