// Package risk implements the Risk Engine (component 4.G): position
// sizing, the leverage governor, and the ordered kill-switches. Grounded
// on the teacher's internal/execution/risk_manager.go (kill-switch table
// shape, per-symbol loss tracking) and internal/sizing/position_sizer.go
// (sizing pipeline structure), replacing the teacher's Kelly-criterion
// formula with spec.md's fixed sizing formula.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/regime"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
)

// Config carries every spec-fixed risk constant.
type Config struct {
	RiskFraction        decimal.Decimal
	RiskFractionCeiling decimal.Decimal
	MaxMarginPerTrade   decimal.Decimal
	MinMarginPerTrade   decimal.Decimal
	MaxLeverage         int
	MaxDailyLossPct     decimal.Decimal
	MaxDrawdown         decimal.Decimal
	LatencyThreshold    time.Duration
}

// KillSwitchReason names which of the four ordered kill-switches fired.
type KillSwitchReason string

const (
	KillSwitchNone           KillSwitchReason = ""
	KillSwitchDailyLoss      KillSwitchReason = "daily_loss"
	KillSwitchDrawdown       KillSwitchReason = "drawdown"
	KillSwitchConsecLosses   KillSwitchReason = "three_consecutive_losses"
	KillSwitchLatency        KillSwitchReason = "latency"
)

// GlobalState is the process-wide control state the kill-switches read.
// Mutated only by the orchestrator, per spec.md §9's ControlState note.
type GlobalState struct {
	mu                  sync.RWMutex
	startingEquity      decimal.Decimal
	realizedToday       decimal.Decimal
	peakEquity          decimal.Decimal
	currentEquity       decimal.Decimal
	consecutiveLosses   int
	leverageStepDown    int // reduced by 1 per two-consecutive-losses, restored on next win
}

// NewGlobalState seeds the state with the starting equity for the run.
func NewGlobalState(startingEquity decimal.Decimal) *GlobalState {
	return &GlobalState{
		startingEquity: startingEquity,
		peakEquity:     startingEquity,
		currentEquity:  startingEquity,
	}
}

// UpdateEquity records the latest total equity snapshot and rolls the peak
// forward; called once per cycle from Equity Reconciliation.
func (g *GlobalState) UpdateEquity(total decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentEquity = total
	if total.GreaterThan(g.peakEquity) {
		g.peakEquity = total
	}
}

// RecordRealized adds a realized PnL amount to today's running total and
// updates the consecutive-loss counter / leverage step-down.
func (g *GlobalState) RecordRealized(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realizedToday = g.realizedToday.Add(pnl)

	if pnl.LessThan(decimal.Zero) {
		g.consecutiveLosses++
		if g.consecutiveLosses%2 == 0 {
			g.leverageStepDown++
		}
	} else {
		g.consecutiveLosses = 0
		g.leverageStepDown = 0
	}
}

func (g *GlobalState) snapshot() (startingEquity, realizedToday, peak, current decimal.Decimal, consecLosses, stepDown int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.startingEquity, g.realizedToday, g.peakEquity, g.currentEquity, g.consecutiveLosses, g.leverageStepDown
}

// Snapshot exposes the same fields as snapshot for components outside this
// package (internal/equity's reconciliation, internal/feedback's stats)
// that need to read the process-wide control state without mutating it.
func (g *GlobalState) Snapshot() (startingEquity, realizedToday, peak, current decimal.Decimal, consecLosses, stepDown int) {
	return g.snapshot()
}

// Engine implements sizing and kill-switch evaluation.
type Engine struct {
	config Config
	state  *GlobalState
}

// New constructs an Engine over shared GlobalState.
func New(config Config, state *GlobalState) *Engine {
	return &Engine{config: config, state: state}
}

// DefaultConfig mirrors spec.md §4.G's fixed constants.
func DefaultConfig() Config {
	return Config{
		RiskFraction:        decimal.NewFromFloat(0.025),
		RiskFractionCeiling: decimal.NewFromFloat(0.03),
		MaxMarginPerTrade:   decimal.NewFromInt(600),
		MinMarginPerTrade:   decimal.NewFromInt(600),
		MaxLeverage:         2,
		MaxDailyLossPct:     decimal.NewFromFloat(0.1),
		MaxDrawdown:         decimal.NewFromFloat(0.25),
		LatencyThreshold:    5 * time.Second,
	}
}

// CheckKillSwitches evaluates the four ordered kill-switches; the first
// that fires wins (spec §4.G). avgLatency comes from the Gateway.
func (e *Engine) CheckKillSwitches(avgLatency time.Duration) KillSwitchReason {
	starting, realizedToday, peak, current, consecLosses, _ := e.state.snapshot()

	if starting.GreaterThan(decimal.Zero) {
		lossLimit := starting.Mul(e.config.MaxDailyLossPct).Neg()
		if realizedToday.LessThanOrEqual(lossLimit) {
			return KillSwitchDailyLoss
		}
	}

	if peak.GreaterThan(decimal.Zero) {
		drawdown := peak.Sub(current).Div(peak)
		if drawdown.GreaterThanOrEqual(e.config.MaxDrawdown) {
			return KillSwitchDrawdown
		}
	}

	if consecLosses >= 3 {
		return KillSwitchConsecLosses
	}

	if avgLatency > e.config.LatencyThreshold {
		return KillSwitchLatency
	}

	return KillSwitchNone
}

// EffectiveLeverage applies the regime-driven override then the
// consecutive-loss step-down (spec §4.G leverage governor).
func (e *Engine) EffectiveLeverage(band regime.Band) int {
	lev := e.config.MaxLeverage
	switch band {
	case regime.BandHigh:
		lev = 3
	case regime.BandLow:
		lev = 1
	}

	_, _, _, _, _, stepDown := e.state.snapshot()
	lev -= stepDown
	if lev < 1 {
		lev = 1
	}
	return lev
}

// SizeInput bundles the sizing formula's inputs (spec §4.G).
type SizeInput struct {
	Equity               decimal.Decimal
	RegimeSizeMultiplier decimal.Decimal
	CorrelationAdjustment decimal.Decimal
	StopDistanceFraction decimal.Decimal
	Price                decimal.Decimal
	Leverage             int
	Symbol               types.Symbol
}

// Size implements:
//   risk_amount = equity * risk_fraction * regime_size_multiplier * correlation_adjustment
//   notional    = risk_amount / stop_distance_fraction
//   quantity    = clamp(notional/price, step=stepSize, min=minQty, max_notional=MAX_MARGIN*leverage)
func (e *Engine) Size(in SizeInput) decimal.Decimal {
	if in.StopDistanceFraction.IsZero() || in.Price.IsZero() {
		return decimal.Zero
	}

	riskFraction := utils.ClampDecimal(e.config.RiskFraction, decimal.Zero, e.config.RiskFractionCeiling)

	riskAmount := in.Equity.Mul(riskFraction).Mul(in.RegimeSizeMultiplier).Mul(in.CorrelationAdjustment)
	notional := riskAmount.Div(in.StopDistanceFraction)

	maxNotional := e.config.MaxMarginPerTrade.Mul(decimal.NewFromInt(int64(in.Leverage)))
	notional = utils.MinDecimal(notional, maxNotional)

	// risk sizing must yield >= MIN_MARGIN_PER_TRADE before rounding (spec
	// §9 Open Question); raise a too-small notional to the floor rather
	// than letting StepSize flooring or the MinQty check silently drop it.
	if !e.config.MinMarginPerTrade.IsZero() {
		minNotional := e.config.MinMarginPerTrade.Mul(decimal.NewFromInt(int64(in.Leverage)))
		if notional.LessThan(minNotional) {
			notional = utils.MinDecimal(minNotional, maxNotional)
		}
	}

	qty := notional.Div(in.Price)

	if !in.Symbol.StepSize.IsZero() {
		qty = qty.Div(in.Symbol.StepSize).Floor().Mul(in.Symbol.StepSize)
	}
	if qty.LessThan(in.Symbol.MinQty) {
		return decimal.Zero
	}
	return qty
}

// CorrelationAdjustment returns 0.5 if |corr| > 0.8 and the other symbol
// already has a same-direction open position, else 1.0 (spec §4.G).
func CorrelationAdjustment(correlation decimal.Decimal, otherSymbolSameDirectionOpen bool) decimal.Decimal {
	if otherSymbolSameDirectionOpen && correlation.Abs().GreaterThan(decimal.NewFromFloat(0.8)) {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(1)
}

// Correlation computes Pearson correlation of two same-length return
// series (50-bar returns per spec §4.G), reusing the teacher's
// CalculateReturns-style decimal arithmetic directly here since this is
// the only call site.
func Correlation(a, b []decimal.Decimal) decimal.Decimal {
	n := len(a)
	if n == 0 || n != len(b) {
		return decimal.Zero
	}
	mean := func(xs []decimal.Decimal) decimal.Decimal {
		sum := decimal.Zero
		for _, x := range xs {
			sum = sum.Add(x)
		}
		return sum.Div(decimal.NewFromInt(int64(len(xs))))
	}
	ma, mb := mean(a), mean(b)

	var cov, varA, varB decimal.Decimal
	for i := 0; i < n; i++ {
		da := a[i].Sub(ma)
		db := b[i].Sub(mb)
		cov = cov.Add(da.Mul(db))
		varA = varA.Add(da.Mul(da))
		varB = varB.Add(db.Mul(db))
	}
	denom := varA.Mul(varB)
	if denom.IsZero() {
		return decimal.Zero
	}
	return cov.Div(decimalSqrt(denom))
}

func decimalSqrt(d decimal.Decimal) decimal.Decimal {
	f, _ := d.Float64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}
