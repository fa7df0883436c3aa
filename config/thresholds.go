package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	errNotPositive         = errors.New("must be a positive number")
	errNegative            = errors.New("must not be negative")
	errRateRange           = errors.New("rate must be in (0, 1)")
	errTargetOrder         = errors.New("full take-profit must exceed partial take-profit")
	errBadWatchlistEntry   = errors.New("want token:exchange[:name]")
	errBadOverride         = errors.New("want TOKEN:key=value;key=value")
	errUnknownThresholdKey = errors.New("unknown threshold key")
)

// ConfigurationError reports one invalid setting. The value it names has been
// replaced by its default.
type ConfigurationError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Thresholds are the per-symbol trading rules. Values are immutable once
// loaded; the position machine only reads them.
type Thresholds struct {
	PartialTakeProfitRate decimal.Decimal // vs avg entry
	FullTakeProfitRate    decimal.Decimal // vs avg entry
	StopLossRate          decimal.Decimal // vs reference close
	TrailingFallRate      decimal.Decimal // vs high-water mark
	PartialSellFraction   decimal.Decimal // of held quantity

	Cooldown       time.Duration
	MaxHolding     time.Duration // 0 disables the holding-time exit
	MaxBuyAttempts int
	BuyAmount      int64 // paise per entry
}

// DefaultThresholds are the safe fallbacks for every rule.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PartialTakeProfitRate: decimal.RequireFromString("0.05"),
		FullTakeProfitRate:    decimal.RequireFromString("0.10"),
		StopLossRate:          decimal.RequireFromString("0.02"),
		TrailingFallRate:      decimal.RequireFromString("0.02"),
		PartialSellFraction:   decimal.RequireFromString("0.5"),
		Cooldown:              30 * time.Minute,
		MaxHolding:            0,
		MaxBuyAttempts:        3,
		BuyAmount:             10_000_000, // ₹1,00,000
	}
}

var thresholdKeys = []string{
	"partial_take_profit_rate",
	"full_take_profit_rate",
	"stop_loss_rate",
	"trailing_fall_rate",
	"partial_sell_fraction",
	"cooldown",
	"max_holding",
	"max_buy_attempts",
	"buy_amount",
}

// ParseThresholds applies kv on top of base. Invalid entries keep the base value.
func ParseThresholds(base Thresholds, kv map[string]string) (Thresholds, []error) {
	t := base
	var errs []error
	fail := func(k, v string, err error) {
		errs = append(errs, &ConfigurationError{Key: k, Value: v, Err: err})
	}

	rate := func(k string, dst *decimal.Decimal) {
		v, ok := kv[k]
		if !ok {
			return
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			fail(k, v, err)
			return
		}
		if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			fail(k, v, errRateRange)
			return
		}
		*dst = d
	}

	for k, v := range kv {
		switch k {
		case "partial_take_profit_rate":
			rate(k, &t.PartialTakeProfitRate)
		case "full_take_profit_rate":
			rate(k, &t.FullTakeProfitRate)
		case "stop_loss_rate":
			rate(k, &t.StopLossRate)
		case "trailing_fall_rate":
			rate(k, &t.TrailingFallRate)
		case "partial_sell_fraction":
			rate(k, &t.PartialSellFraction)
		case "cooldown":
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				fail(k, v, errNotPositive)
				continue
			}
			t.Cooldown = d
		case "max_holding":
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				fail(k, v, errNegative)
				continue
			}
			t.MaxHolding = d
		case "max_buy_attempts":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fail(k, v, errNotPositive)
				continue
			}
			t.MaxBuyAttempts = n
		case "buy_amount":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				fail(k, v, errNotPositive)
				continue
			}
			t.BuyAmount = n
		default:
			fail(k, v, errUnknownThresholdKey)
		}
	}

	if !t.FullTakeProfitRate.GreaterThan(t.PartialTakeProfitRate) {
		fail("full_take_profit_rate", t.FullTakeProfitRate.String(), errTargetOrder)
		t.PartialTakeProfitRate = base.PartialTakeProfitRate
		t.FullTakeProfitRate = base.FullTakeProfitRate
	}
	return t, errs
}
