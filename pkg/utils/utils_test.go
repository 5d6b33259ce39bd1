package utils_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCalculatePercentageChange(t *testing.T) {
	got := utils.CalculatePercentageChange(dec(100), dec(110))
	if !got.Equal(dec(10)) {
		t.Errorf("expected 10, got %s", got)
	}
	if !utils.CalculatePercentageChange(decimal.Zero, dec(10)).IsZero() {
		t.Error("expected zero change from a zero base")
	}
}

func TestCalculateReturns(t *testing.T) {
	prices := []decimal.Decimal{dec(100), dec(110), dec(99)}
	returns := utils.CalculateReturns(prices)
	if len(returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(returns))
	}
	if !returns[0].Equal(dec(0.1)) {
		t.Errorf("expected first return 0.1, got %s", returns[0])
	}
	if utils.CalculateReturns([]decimal.Decimal{dec(1)}) != nil {
		t.Error("expected nil returns for fewer than 2 prices")
	}
}

func TestCalculateMeanAndStdDev(t *testing.T) {
	values := []decimal.Decimal{dec(2), dec(4), dec(4), dec(4), dec(5), dec(5), dec(7), dec(9)}
	mean := utils.CalculateMean(values)
	if !mean.Equal(dec(5)) {
		t.Errorf("expected mean 5, got %s", mean)
	}
	stdDev := utils.CalculateStdDev(values)
	if stdDev.LessThanOrEqual(decimal.Zero) {
		t.Error("expected positive standard deviation for a varied series")
	}
	if !utils.CalculateStdDev([]decimal.Decimal{dec(1)}).IsZero() {
		t.Error("expected zero stddev for fewer than 2 values")
	}
}

func TestCalculateMaxDrawdown(t *testing.T) {
	equity := []decimal.Decimal{dec(100), dec(120), dec(90), dec(110)}
	dd := utils.CalculateMaxDrawdown(equity)
	want := dec(0.25) // (120-90)/120
	if !dd.Equal(want) {
		t.Errorf("expected max drawdown %s, got %s", want, dd)
	}
}

func TestCalculateWinRateAndProfitFactor(t *testing.T) {
	pnls := []decimal.Decimal{dec(10), dec(-5), dec(20), dec(-5)}
	wr := utils.CalculateWinRate(pnls)
	if !wr.Equal(dec(0.5)) {
		t.Errorf("expected win rate 0.5, got %s", wr)
	}
	pf := utils.CalculateProfitFactor(pnls)
	want := dec(3) // 30 gross profit / 10 gross loss
	if !pf.Equal(want) {
		t.Errorf("expected profit factor %s, got %s", want, pf)
	}
	allWins := []decimal.Decimal{dec(5), dec(10)}
	if !utils.CalculateProfitFactor(allWins).Equal(dec(100)) {
		t.Error("expected profit factor capped at 100 with zero gross loss")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Minute, "1h 30m"},
		{25 * time.Hour, "1d 1h 0m"},
		{45 * time.Second, "0m"},
	}
	for _, c := range cases {
		if got := utils.FormatDuration(c.d); got != c.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		currency string
		want     string
	}{
		{"USDT", "$100.50"},
		{"GBP", "£100.50"},
		{"EUR", "€100.50"},
	}
	for _, c := range cases {
		if got := utils.FormatMoney(dec(100.5), c.currency); got != c.want {
			t.Errorf("FormatMoney(_, %q) = %q, want %q", c.currency, got, c.want)
		}
	}
	if got := utils.FormatMoney(dec(1.23456789), "BTC"); got != "1.23456789 BTC" {
		t.Errorf("unexpected BTC formatting: %q", got)
	}
}

func TestMinMaxClampDecimal(t *testing.T) {
	if !utils.MinDecimal(dec(1), dec(2)).Equal(dec(1)) {
		t.Error("MinDecimal wrong")
	}
	if !utils.MaxDecimal(dec(1), dec(2)).Equal(dec(2)) {
		t.Error("MaxDecimal wrong")
	}
	if !utils.ClampDecimal(dec(5), dec(0), dec(3)).Equal(dec(3)) {
		t.Error("ClampDecimal should cap at max")
	}
	if !utils.ClampDecimal(dec(-5), dec(0), dec(3)).Equal(dec(0)) {
		t.Error("ClampDecimal should floor at min")
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	cfg := utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	result, err := utils.Retry(cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryExhausts(t *testing.T) {
	cfg := utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	_, err := utils.Retry(cfg, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestEMAConvergesTowardInput(t *testing.T) {
	ema := utils.NewEMA(10)
	ema.Add(dec(100))
	var last decimal.Decimal
	for i := 0; i < 50; i++ {
		last = ema.Add(dec(110))
	}
	if last.Sub(dec(110)).Abs().GreaterThan(dec(0.01)) {
		t.Errorf("expected EMA to converge near 110, got %s", last)
	}
}

func TestSMARollingWindow(t *testing.T) {
	sma := utils.NewSMA(3)
	sma.Add(dec(10))
	sma.Add(dec(20))
	got := sma.Add(dec(30))
	if !got.Equal(dec(20)) {
		t.Errorf("expected SMA(3) of [10,20,30] = 20, got %s", got)
	}
	got = sma.Add(dec(60)) // window slides to [20,30,60]
	want := dec(20).Add(dec(30)).Add(dec(60)).Div(dec(3))
	if !got.Equal(want) {
		t.Errorf("expected rolling SMA %s, got %s", want, got)
	}
}
