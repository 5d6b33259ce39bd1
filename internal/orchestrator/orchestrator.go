// Package orchestrator implements run_cycle (component 4.M), the single
// authoritative task that drives every other component once per cycle:
// refresh equity, refresh market data and regime per symbol, check global
// kill-switches, collect per-agent decisions, arbitrate, size and submit
// entries, and periodically reconcile equity and flush the audit log.
// Grounded on the teacher's central integration point in this same file
// (ticker-driven cycle, per-symbol fan-out via internal/workers, graceful
// shutdown shape), replacing its HMM/Kelly/Monte-Carlo pipeline with the
// fixed, rule-based pipeline spec.md requires.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/api"
	"github.com/atlas-desktop/perpsentinel/internal/arbitration"
	"github.com/atlas-desktop/perpsentinel/internal/breaker"
	"github.com/atlas-desktop/perpsentinel/internal/decision"
	"github.com/atlas-desktop/perpsentinel/internal/equity"
	"github.com/atlas-desktop/perpsentinel/internal/events"
	"github.com/atlas-desktop/perpsentinel/internal/feedback"
	"github.com/atlas-desktop/perpsentinel/internal/gateway"
	"github.com/atlas-desktop/perpsentinel/internal/marketdata"
	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/internal/persistence"
	"github.com/atlas-desktop/perpsentinel/internal/regime"
	"github.com/atlas-desktop/perpsentinel/internal/risk"
	"github.com/atlas-desktop/perpsentinel/internal/workers"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config carries the cycle-level knobs; every subsystem's own fixed
// constants live in that subsystem's Config.
type Config struct {
	Symbols              []string
	QuoteAsset           string
	CycleInterval        time.Duration
	CycleTimeout         time.Duration
	EquityReconcileEvery int
	FlushEvery           int
	CorrelationWindow    int
}

// DefaultConfig matches spec.md §4.M's fixed cadence.
func DefaultConfig() Config {
	return Config{
		CycleInterval:        60 * time.Second,
		CycleTimeout:         90 * time.Second,
		EquityReconcileEvery: 10,
		FlushEvery:           7,
		CorrelationWindow:    50,
	}
}

// Deps bundles every component run_cycle drives. All are constructed and
// wired together by cmd/sentinel; Orchestrator itself only orchestrates.
type Deps struct {
	Gateway      *gateway.Gateway
	MarketData   *marketdata.Provider
	Breakers     *breaker.Registry
	RiskEngine   *risk.Engine
	RiskState    *risk.GlobalState
	Decisions    *decision.Provider
	Normalizer   *arbitration.Normalizer
	Orders       *orders.Manager
	StateMachine *orders.StateMachine
	Equity       *equity.Reconciler
	Feedback     *feedback.Tracker
	Store        *persistence.Store
	Bus          *events.Bus
	Pool         *workers.Pool
	Agents       map[string][]types.Agent // symbol -> agents, read-only per run
}

// Orchestrator owns the cycle loop. It implements api.StatusProvider and
// monitor.PositionCloser so the health surface and the Live Monitor can
// call back into it.
type Orchestrator struct {
	logger *zap.Logger
	config Config
	deps   Deps

	mu              sync.RWMutex
	cycle           uint64
	lastCycleAt     time.Time
	killSwitchState risk.KillSwitchReason
	priceHistory    map[string][]decimal.Decimal
	fundingHistory  map[string]decimal.Decimal
}

// New constructs an Orchestrator.
func New(logger *zap.Logger, config Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger:         logger.Named("orchestrator"),
		config:         config,
		deps:           deps,
		priceHistory:   make(map[string][]decimal.Decimal),
		fundingHistory: make(map[string]decimal.Decimal),
	}
}

// Run blocks, firing run_cycle on CycleInterval cadence until ctx is
// cancelled. No cycle overlap: the ticker is consumed only once the prior
// cycle has returned (spec §4.M, §5).
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.config.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

// runCycle implements the 8-step loop (spec §4.M).
func (o *Orchestrator) runCycle(ctx context.Context) {
	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, o.config.CycleTimeout)
	defer cancel()

	o.mu.Lock()
	o.cycle++
	cycle := o.cycle
	o.mu.Unlock()

	// step 1: refresh balance, snapshot equity, log equity curve.
	o.refreshEquity(cycleCtx)

	// step 2/3: global kill-switches gate entries only; exits still run.
	killSwitch := o.deps.RiskEngine.CheckKillSwitches(o.deps.Gateway.AverageLatency())
	o.mu.Lock()
	o.killSwitchState = killSwitch
	o.mu.Unlock()
	if killSwitch != risk.KillSwitchNone {
		api.ObserveKillSwitchTrip(string(killSwitch))
		o.deps.Bus.Publish(events.Event{
			Type: events.TypeKillSwitchTripped, Severity: events.SeverityCritical,
			Message: "kill-switch tripped, entries suspended this cycle",
			Fields:  map[string]any{"reason": string(killSwitch)},
		})
	}

	// steps 2/4/5/6: per-symbol market data/regime/breakers, decisions,
	// arbitration, sizing and order submission, fanned out concurrently
	// (spec §5: cross-symbol parallel). Per-symbol steps stay in order
	// because each symbol gets one task per cycle and cycles do not overlap;
	// no per-symbol mutex is taken, and the Live Monitor's exits are not
	// serialized against these entries.
	var wg sync.WaitGroup
	for _, symbol := range o.config.Symbols {
		symbol := symbol
		wg.Add(1)
		task := workers.TaskFunc(func() error {
			defer wg.Done()
			o.processSymbol(cycleCtx, symbol, cycle, killSwitch != risk.KillSwitchNone)
			return nil
		})
		if err := o.deps.Pool.Submit(task); err != nil {
			wg.Done()
			o.logger.Warn("symbol task not submitted", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	wg.Wait()

	// step 7: every EquityReconcileEvery cycles, the deeper cross-check.
	if o.config.EquityReconcileEvery > 0 && cycle%uint64(o.config.EquityReconcileEvery) == 0 {
		o.reconcileEquity(cycleCtx)
	}

	// step 8: every FlushEvery cycles, flush the buffered CSV journals.
	if o.config.FlushEvery > 0 && cycle%uint64(o.config.FlushEvery) == 0 {
		if err := o.deps.Store.FlushAll(); err != nil {
			o.logger.Warn("periodic flush failed", zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	api.ObserveCycleDuration(elapsed)
	api.SetOpenPositions(len(o.deps.StateMachine.All()))
	o.mu.Lock()
	o.lastCycleAt = time.Now()
	o.mu.Unlock()

	if elapsed > o.config.CycleTimeout {
		o.deps.Bus.Publish(events.Event{
			Type: events.TypeCycleTimeout, Severity: events.SeverityWarning,
			Message: "cycle exceeded timeout, proceeding anyway",
			Fields:  map[string]any{"elapsed": utils.FormatDuration(elapsed), "cycle": cycle},
		})
	}
	o.logger.Info("cycle complete", zap.Uint64("cycle", cycle), zap.Duration("elapsed", elapsed))
}

// refreshEquity is the light per-cycle balance/equity snapshot (spec §4.M
// step 1), cheaper than the full cross-check reconcileEquity runs every
// EquityReconcileEvery cycles.
func (o *Orchestrator) refreshEquity(ctx context.Context) {
	balances, err := o.deps.Gateway.GetBalance(ctx)
	if err != nil {
		o.logger.Warn("balance refresh failed", zap.Error(err))
		return
	}
	for _, b := range balances {
		if b.Asset != o.config.QuoteAsset {
			continue
		}
		o.deps.RiskState.UpdateEquity(b.Balance)
	}

	_, realizedToday, peak, current, _, _ := o.deps.RiskState.Snapshot()
	drawdown := decimal.Zero
	if peak.GreaterThan(decimal.Zero) {
		drawdown = peak.Sub(current).Div(peak)
	}
	o.deps.Store.RecordEquity(types.EquitySnapshot{
		Timestamp:        time.Now(),
		RealizedCum:      realizedToday,
		TotalEquity:      current,
		Peak:             peak,
		DrawdownFromPeak: drawdown,
	})
	o.logger.Debug("equity refreshed", zap.String("equity", utils.FormatMoney(current, o.config.QuoteAsset)))
}

// reconcileEquity runs the full unrealized-vs-wallet cross-check (spec
// §4.M step 7, §4.N) and logs the running max drawdown.
func (o *Orchestrator) reconcileEquity(ctx context.Context) {
	snap, err := o.deps.Equity.Reconcile(ctx)
	if err != nil {
		o.logger.Warn("equity reconciliation failed", zap.Error(err))
		return
	}
	o.deps.Store.RecordEquity(snap)

	maxDD := o.deps.Equity.MaxDrawdown()
	o.logger.Info("equity reconciled",
		zap.String("totalEquity", utils.FormatMoney(snap.TotalEquity, o.config.QuoteAsset)),
		zap.String("maxDrawdown", maxDD.StringFixed(4)))
}

// processSymbol runs one symbol's slice of steps 2/4/5/6, isolated from
// other symbols so a single bad fetch never stalls the cycle.
func (o *Orchestrator) processSymbol(ctx context.Context, symbol string, cycle uint64, killSwitchActive bool) {
	snap, fresh, err := o.deps.MarketData.Snapshot(ctx, symbol, true)
	if err != nil && !fresh {
		o.logger.Warn("market data unavailable, skipping symbol this cycle", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	o.recordPrice(symbol, snap.Price)

	class := regime.Classify(snap)
	o.evaluateBreakers(ctx, symbol)

	agents := o.deps.Agents[symbol]
	decisions := make([]types.Decision, 0, len(agents))
	for _, agent := range agents {
		d := o.deps.Decisions.Decide(ctx, agent, snap, cycle)
		d.NormalizedConfidence = o.deps.Normalizer.Normalize(agent.AgentID, d.RawConfidence, class.ConfidenceDelta)
		o.deps.Store.RecordDecision(d)
		decisions = append(decisions, d)
	}

	intent := arbitration.Arbitrate(symbol, cycle, decisions, o.weightFor(symbol))
	o.deps.Feedback.RecordIntent(refForIntent(symbol, cycle), symbol, decisions)

	if intent.Side == types.SideHold || intent.Conflict {
		return
	}
	if killSwitchActive || class.SkipEntry {
		return
	}
	if paused, name := o.deps.Breakers.EntriesPaused(symbol, time.Now()); paused {
		o.logger.Debug("entries paused by breaker", zap.String("symbol", symbol), zap.String("breaker", name))
		return
	}

	o.submitEntry(ctx, symbol, intent, snap, class, refForIntent(symbol, cycle))
}

// submitEntry computes TP/SL and position size, then hands off to the
// Order Manager (spec §4.M step 6).
func (o *Orchestrator) submitEntry(ctx context.Context, symbol string, intent types.Intent, snap types.MarketSnapshot, class regime.Classification, decisionRef string) {
	if snap.Price.IsZero() {
		return
	}
	leverage := o.deps.RiskEngine.EffectiveLeverage(class.Band)

	tpFrac := class.TPAtrMultiplier.Mul(snap.ATRFast).Div(snap.Price)
	slFrac := class.SLAtrMultiplier.Mul(snap.ATRFast).Div(snap.Price)
	if slFrac.IsZero() {
		return
	}

	_, _, _, currentEquity, _, _ := o.deps.RiskState.Snapshot()
	sym, err := o.deps.Gateway.GetFilters(ctx, symbol)
	if err != nil {
		o.logger.Warn("filters unavailable, skipping entry", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	quantity := o.deps.RiskEngine.Size(risk.SizeInput{
		Equity:                currentEquity,
		RegimeSizeMultiplier:  class.SizeMultiplier,
		CorrelationAdjustment: o.correlationAdjustment(symbol, intent.Side),
		StopDistanceFraction:  slFrac,
		Price:                 snap.Price,
		Leverage:              leverage,
		Symbol:                sym,
	})
	if quantity.IsZero() {
		return
	}

	result := o.deps.Orders.SubmitEntry(ctx, symbol, intent.Side, quantity, leverage, decisionRef)
	if result.Kind != orders.ResultOK {
		if result.Reason == "entry_unconfirmed" {
			o.deps.Bus.Publish(events.Event{Type: events.TypeEntryUnconfirmed, Severity: events.SeverityWarning, Symbol: symbol, Message: "entry unconfirmed"})
		}
		if result.Reason == "below_minimum" {
			o.deps.Bus.Publish(events.Event{Type: events.TypeBelowMinimum, Severity: events.SeverityInfo, Symbol: symbol, Message: "sized quantity below minimum"})
		}
		return
	}

	tp, sl, err := orders.TPSLPrices(intent.Side, result.Position.EntryPrice, tpFrac, slFrac)
	if err != nil {
		o.deps.Bus.Publish(events.Event{Type: events.TypeInvalidTpslGeometry, Severity: events.SeverityCritical, Symbol: symbol, Message: err.Error()})
		closeResult := o.deps.Orders.Close(ctx, result.Position, types.ExitForced)
		if closeResult.Kind == orders.ResultOK {
			o.recordClose(result.Position, types.ExitForced, snap.Price)
		}
		return
	}

	if _, _, err := o.deps.Orders.AttachTPSL(ctx, result.Position, tp, sl); err != nil {
		o.deps.Bus.Publish(events.Event{Type: events.TypeTpslIncomplete, Severity: events.SeverityWarning, Symbol: symbol, Message: err.Error()})
	}
}

// weightFor resolves an agent's final_weight for the arbitrator, scoped to
// one symbol's agent roster.
func (o *Orchestrator) weightFor(symbol string) func(agentID string) decimal.Decimal {
	index := make(map[string]decimal.Decimal, len(o.deps.Agents[symbol]))
	for _, a := range o.deps.Agents[symbol] {
		index[a.AgentID] = a.FinalWeight()
	}
	return func(agentID string) decimal.Decimal {
		if w, ok := index[agentID]; ok {
			return w
		}
		return decimal.NewFromInt(1)
	}
}

// evaluateBreakers runs all three independent circuit-breaker checks for
// one symbol (spec §4.H); each only pauses entries, never exits.
func (o *Orchestrator) evaluateBreakers(ctx context.Context, symbol string) {
	mdConfig := marketdata.DefaultConfig()
	candles, err := o.deps.Gateway.GetKlines(ctx, symbol, mdConfig.Interval, mdConfig.CandleLimit)
	if err == nil && o.deps.Breakers.CheckVolatilitySpike(symbol, candles, time.Now()) {
		o.publishBreakerTrip(symbol, breaker.NameVolatility)
	}

	ticker, err := o.deps.Gateway.GetTicker(ctx, symbol)
	if err == nil && o.deps.Breakers.CheckQuoteSpread(symbol, ticker, time.Now()) {
		o.publishBreakerTrip(symbol, breaker.NameSpread)
	}

	rate, err := o.deps.Gateway.GetFundingRate(ctx, symbol)
	if err == nil {
		o.mu.Lock()
		previous, ok := o.fundingHistory[symbol]
		o.fundingHistory[symbol] = rate
		o.mu.Unlock()
		if ok && o.deps.Breakers.CheckFundingSpike(symbol, previous, rate, time.Now()) {
			o.publishBreakerTrip(symbol, breaker.NameFunding)
		}
	}
}

func (o *Orchestrator) publishBreakerTrip(symbol, name string) {
	o.deps.Bus.Publish(events.Event{
		Type: events.TypeBreakerTripped, Severity: events.SeverityWarning, Symbol: symbol,
		Message: "circuit breaker tripped, entries paused",
		Fields:  map[string]any{"breaker": name},
	})
}

// recordPrice appends to the bounded price history used for pairwise
// correlation (spec §4.G).
func (o *Orchestrator) recordPrice(symbol string, price decimal.Decimal) {
	if price.IsZero() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	hist := append(o.priceHistory[symbol], price)
	if len(hist) > o.config.CorrelationWindow {
		hist = hist[len(hist)-o.config.CorrelationWindow:]
	}
	o.priceHistory[symbol] = hist
}

// correlationAdjustment applies the 0.5x size cut when a candidate entry's
// symbol is highly correlated with another symbol that already has a
// same-direction open position (spec §4.G). The most conservative
// (smallest) adjustment across all other open symbols wins.
func (o *Orchestrator) correlationAdjustment(symbol string, side types.Side) decimal.Decimal {
	o.mu.RLock()
	a := append([]decimal.Decimal(nil), o.priceHistory[symbol]...)
	o.mu.RUnlock()
	returnsA := utils.CalculateReturns(a)

	adjustment := decimal.NewFromInt(1)
	for _, p := range o.deps.StateMachine.All() {
		if p.Symbol == symbol || p.Side != side {
			continue
		}
		o.mu.RLock()
		b := append([]decimal.Decimal(nil), o.priceHistory[p.Symbol]...)
		o.mu.RUnlock()
		returnsB := utils.CalculateReturns(b)
		if len(returnsA) == 0 || len(returnsA) != len(returnsB) {
			continue
		}
		corr := risk.Correlation(returnsA, returnsB)
		candidate := risk.CorrelationAdjustment(corr, true)
		if candidate.LessThan(adjustment) {
			adjustment = candidate
		}
	}
	return adjustment
}

// ReconcileExternalClose implements monitor.PositionCloser: the Live
// Monitor calls this once it observes a position closed outside the
// orchestrator's own Close path (TP/SL filled on the venue).
func (o *Orchestrator) ReconcileExternalClose(ctx context.Context, p types.Position, lastMark decimal.Decimal) {
	var reason types.ExitReason
	switch {
	case p.Side == types.SideLong && lastMark.GreaterThanOrEqual(p.EntryPrice):
		reason = types.ExitTP
	case p.Side == types.SideShort && lastMark.LessThanOrEqual(p.EntryPrice):
		reason = types.ExitTP
	default:
		reason = types.ExitSL
	}

	o.recordClose(p, reason, lastMark)
	o.deps.Bus.Publish(events.Event{
		Type: events.TypePositionClosedExternal, Severity: events.SeverityInfo, Symbol: p.Symbol,
		Message: "position closed externally",
		Fields:  map[string]any{"exitReason": string(reason)},
	})
	o.logger.Info("external close reconciled", zap.String("symbol", p.Symbol), zap.String("reason", string(reason)))
}

// recordClose is the single place a closed position becomes a journaled
// TradeOutcome: state-machine removal, realized-PnL/consecutive-loss
// tracking and outcome feedback all happen together here, so no close path
// (external TP/SL fill, or an orchestrator-forced close such as the
// invalid-TP/SL-geometry emergency exit) can skip the audit trail.
func (o *Orchestrator) recordClose(p types.Position, reason types.ExitReason, exitPrice decimal.Decimal) {
	var pnl decimal.Decimal
	if p.Side == types.SideLong {
		pnl = exitPrice.Sub(p.EntryPrice).Mul(p.Quantity)
	} else {
		pnl = p.EntryPrice.Sub(exitPrice).Mul(p.Quantity)
	}

	outcome := types.TradeOutcome{
		PositionRef:  p.Symbol + "|" + string(p.Side),
		Symbol:       p.Symbol,
		Side:         p.Side,
		ExitReason:   reason,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    exitPrice,
		Quantity:     p.Quantity,
		RealizedPnL:  pnl,
		HoldDuration: time.Since(p.OpenedAt),
		DecisionRef:  p.DecisionRef,
		ClosedAt:     time.Now(),
	}

	o.deps.StateMachine.Close(p.Symbol, p.Side)
	o.deps.RiskState.RecordRealized(pnl)
	o.deps.Store.RecordTrade(outcome)
	o.deps.Feedback.ResolveOutcome(outcome)
}

// TPSLPriceFunc returns a monitor.TPSLPriceFunc-compatible closure that
// recomputes a position's TP/SL from its stored entry and the regime
// multipliers observed at repair time, supplied to monitor.NewSentinel.
func (o *Orchestrator) TPSLPriceFunc(ctx context.Context) func(p types.Position) (tp, sl decimal.Decimal) {
	return func(p types.Position) (decimal.Decimal, decimal.Decimal) {
		snap, _, err := o.deps.MarketData.Snapshot(ctx, p.Symbol, false)
		if err != nil || snap.Price.IsZero() {
			return p.EntryPrice, p.EntryPrice
		}
		class := regime.Classify(snap)
		tpFrac := class.TPAtrMultiplier.Mul(snap.ATRFast).Div(snap.Price)
		slFrac := class.SLAtrMultiplier.Mul(snap.ATRFast).Div(snap.Price)
		tp, sl, err := orders.TPSLPrices(p.Side, p.EntryPrice, tpFrac, slFrac)
		if err != nil {
			return p.EntryPrice, p.EntryPrice
		}
		return tp, sl
	}
}

// Status implements api.StatusProvider.
func (o *Orchestrator) Status() api.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, _, peak, current, _, _ := o.deps.RiskState.Snapshot()
	drawdown := decimal.Zero
	if peak.GreaterThan(decimal.Zero) {
		drawdown = peak.Sub(current).Div(peak)
	}
	return api.Status{
		Cycle:            o.cycle,
		OpenPositions:    len(o.deps.StateMachine.All()),
		KillSwitchActive: o.killSwitchState != risk.KillSwitchNone,
		KillSwitchReason: string(o.killSwitchState),
		TotalEquity:      current.StringFixed(2),
		Peak:             peak.StringFixed(2),
		DrawdownFromPeak: drawdown.StringFixed(4),
		LastCycleAt:      o.lastCycleAt,
	}
}

func refForIntent(symbol string, cycle uint64) string {
	return symbol + "#" + decimal.NewFromInt(int64(cycle)).String()
}
