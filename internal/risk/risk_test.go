package risk_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/regime"
	"github.com/atlas-desktop/perpsentinel/internal/risk"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCheckKillSwitchesDailyLoss(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	state.RecordRealized(dec(-1100)) // > 10% of 10000
	if got := engine.CheckKillSwitches(0); got != risk.KillSwitchDailyLoss {
		t.Errorf("expected KillSwitchDailyLoss, got %s", got)
	}
}

func TestCheckKillSwitchesDrawdown(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	state.UpdateEquity(dec(12000)) // new peak
	state.UpdateEquity(dec(8000))  // drawdown = (12000-8000)/12000 = 0.333 > 0.25
	if got := engine.CheckKillSwitches(0); got != risk.KillSwitchDrawdown {
		t.Errorf("expected KillSwitchDrawdown, got %s", got)
	}
}

func TestCheckKillSwitchesConsecutiveLosses(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	state.RecordRealized(dec(-10))
	state.RecordRealized(dec(-10))
	state.RecordRealized(dec(-10))
	if got := engine.CheckKillSwitches(0); got != risk.KillSwitchConsecLosses {
		t.Errorf("expected KillSwitchConsecLosses, got %s", got)
	}
}

func TestCheckKillSwitchesLatency(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	if got := engine.CheckKillSwitches(10 * time.Second); got != risk.KillSwitchLatency {
		t.Errorf("expected KillSwitchLatency, got %s", got)
	}
}

func TestCheckKillSwitchesNoneWhenHealthy(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	if got := engine.CheckKillSwitches(time.Second); got != risk.KillSwitchNone {
		t.Errorf("expected KillSwitchNone, got %s", got)
	}
}

func TestKillSwitchOrderDailyLossWinsOverDrawdown(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	state.UpdateEquity(dec(12000))
	state.RecordRealized(dec(-1100)) // trips daily loss
	state.UpdateEquity(dec(8000))    // also trips drawdown
	if got := engine.CheckKillSwitches(0); got != risk.KillSwitchDailyLoss {
		t.Errorf("expected daily-loss to win ordering, got %s", got)
	}
}

func TestEffectiveLeverageByRegimeAndStepDown(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)

	if lev := engine.EffectiveLeverage(regime.BandHigh); lev != 3 {
		t.Errorf("expected HIGH band leverage 3, got %d", lev)
	}
	if lev := engine.EffectiveLeverage(regime.BandLow); lev != 1 {
		t.Errorf("expected LOW band leverage 1, got %d", lev)
	}
	if lev := engine.EffectiveLeverage(regime.BandNormal); lev != risk.DefaultConfig().MaxLeverage {
		t.Errorf("expected NORMAL band leverage to use config max, got %d", lev)
	}

	// two consecutive losses step leverage down by one, floor of 1.
	state.RecordRealized(dec(-1))
	state.RecordRealized(dec(-1))
	if lev := engine.EffectiveLeverage(regime.BandHigh); lev != 2 {
		t.Errorf("expected stepped-down HIGH band leverage 2, got %d", lev)
	}
}

func TestSizeClampsToSymbolFilters(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)

	sym := types.Symbol{StepSize: dec(0.001), MinQty: dec(0.001)}
	qty := engine.Size(risk.SizeInput{
		Equity:                dec(10000),
		RegimeSizeMultiplier:  dec(1),
		CorrelationAdjustment: dec(1),
		StopDistanceFraction:  dec(0.01),
		Price:                 dec(50000),
		Leverage:              2,
		Symbol:                sym,
	})
	if qty.IsZero() {
		t.Fatal("expected a non-zero quantity")
	}
	// quantity must be a multiple of the step size.
	remainder := qty.Mod(sym.StepSize)
	if !remainder.IsZero() {
		t.Errorf("expected quantity %s to be a multiple of step size %s", qty, sym.StepSize)
	}
}

func TestSizeReturnsZeroBelowMinQty(t *testing.T) {
	state := risk.NewGlobalState(dec(100))
	engine := risk.New(risk.DefaultConfig(), state)
	sym := types.Symbol{StepSize: dec(0.001), MinQty: dec(10)} // unreachable min given tiny equity
	qty := engine.Size(risk.SizeInput{
		Equity:                dec(100),
		RegimeSizeMultiplier:  dec(1),
		CorrelationAdjustment: dec(1),
		StopDistanceFraction:  dec(0.01),
		Price:                 dec(50000),
		Leverage:              1,
		Symbol:                sym,
	})
	if !qty.IsZero() {
		t.Errorf("expected zero quantity below MinQty, got %s", qty)
	}
}

func TestSizeZeroOnZeroStopDistance(t *testing.T) {
	state := risk.NewGlobalState(dec(10000))
	engine := risk.New(risk.DefaultConfig(), state)
	qty := engine.Size(risk.SizeInput{Equity: dec(10000), StopDistanceFraction: decimal.Zero, Price: dec(100)})
	if !qty.IsZero() {
		t.Error("expected zero quantity with zero stop distance fraction")
	}
}

func TestCorrelationAdjustment(t *testing.T) {
	if !risk.CorrelationAdjustment(dec(0.9), true).Equal(dec(0.5)) {
		t.Error("expected 0.5x adjustment for high correlation with same-direction open position")
	}
	if !risk.CorrelationAdjustment(dec(0.9), false).Equal(dec(1)) {
		t.Error("expected 1x adjustment when no same-direction position is open")
	}
	if !risk.CorrelationAdjustment(dec(0.5), true).Equal(dec(1)) {
		t.Error("expected 1x adjustment for low correlation")
	}
}

func TestCorrelationOfIdenticalSeriesIsOne(t *testing.T) {
	series := []decimal.Decimal{dec(0.01), dec(-0.02), dec(0.03), dec(0.01)}
	corr := risk.Correlation(series, series)
	if corr.Sub(dec(1)).Abs().GreaterThan(dec(0.0001)) {
		t.Errorf("expected correlation of a series with itself ~1, got %s", corr)
	}
}

func TestCorrelationMismatchedLengthIsZero(t *testing.T) {
	a := []decimal.Decimal{dec(1), dec(2)}
	b := []decimal.Decimal{dec(1)}
	if !risk.Correlation(a, b).IsZero() {
		t.Error("expected zero correlation for mismatched-length series")
	}
}
