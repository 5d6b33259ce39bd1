// Package equity implements Equity Reconciliation (component 4.N): every
// EquityReconcileEvery cycles, roll up realized + unrealized PnL across
// open positions, compare the result against the venue's own account
// balance, and raise an EquityDrift event if the two disagree by more
// than 1%. Grounded on the teacher's periodic-reconciliation shape in
// internal/orchestrator/orchestrator.go's metricsLoop, replacing its
// Monte-Carlo-validation payload with a balance cross-check.
package equity

import (
	"context"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/events"
	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/internal/risk"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// driftThreshold is the fixed 1% discrepancy band spec.md names.
var driftThreshold = decimal.NewFromFloat(0.01)

// Gateway is the subset of internal/gateway.Gateway Equity Reconciliation
// depends on.
type Gateway interface {
	GetPositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error)
	GetBalance(ctx context.Context) ([]types.Balance, error)
}

// Reconciler owns the running equity curve and the drift check.
type Reconciler struct {
	logger     *zap.Logger
	gateway    Gateway
	sm         *orders.StateMachine
	state      *risk.GlobalState
	bus        *events.Bus
	quoteAsset string

	history []decimal.Decimal // total-equity series, for CalculateMaxDrawdown
}

// New constructs a Reconciler. quoteAsset identifies which balance entry
// ("USDT" in the default config) is this run's margin currency.
func New(logger *zap.Logger, gateway Gateway, sm *orders.StateMachine, state *risk.GlobalState, bus *events.Bus, quoteAsset string) *Reconciler {
	return &Reconciler{
		logger:     logger.Named("equity"),
		gateway:    gateway,
		sm:         sm,
		state:      state,
		bus:        bus,
		quoteAsset: quoteAsset,
	}
}

// Reconcile sums unrealized PnL across tracked open positions, reads the
// venue's wallet balance, updates the shared risk.GlobalState, and emits
// EquityDrift if the two views of total equity disagree materially.
func (r *Reconciler) Reconcile(ctx context.Context) (types.EquitySnapshot, error) {
	unrealized := decimal.Zero
	for _, p := range r.sm.All() {
		info, err := r.gateway.GetPositionInfo(ctx, p.Symbol)
		if err != nil {
			r.logger.Warn("position info unavailable during reconciliation", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		unrealized = unrealized.Add(info.UnrealizedProfit)
	}

	starting, realizedToday, _, _, _, _ := r.state.Snapshot()
	computedTotal := starting.Add(realizedToday).Add(unrealized)

	balances, err := r.gateway.GetBalance(ctx)
	if err != nil {
		return types.EquitySnapshot{}, err
	}
	walletTotal := decimal.Zero
	for _, b := range balances {
		if b.Asset == r.quoteAsset {
			walletTotal = b.Balance
		}
	}

	r.checkDrift(computedTotal, walletTotal)

	r.state.UpdateEquity(walletTotal)
	_, _, peak, current, _, _ := r.state.Snapshot()

	drawdown := decimal.Zero
	if peak.GreaterThan(decimal.Zero) {
		drawdown = peak.Sub(current).Div(peak)
	}

	r.history = append(r.history, current)

	return types.EquitySnapshot{
		Timestamp:        time.Now(),
		RealizedCum:      realizedToday,
		Unrealized:       unrealized,
		TotalEquity:      current,
		Peak:             peak,
		DrawdownFromPeak: drawdown,
	}, nil
}

// MaxDrawdown returns the largest peak-to-trough drawdown observed across
// every reconciliation this run, for the health surface.
func (r *Reconciler) MaxDrawdown() decimal.Decimal {
	return utils.CalculateMaxDrawdown(r.history)
}

func (r *Reconciler) checkDrift(computed, wallet decimal.Decimal) {
	if wallet.IsZero() {
		return
	}
	diff := computed.Sub(wallet).Div(wallet).Abs()
	if diff.GreaterThan(driftThreshold) {
		r.logger.Warn("equity drift detected", zap.String("computed", computed.String()), zap.String("wallet", wallet.String()))
		r.bus.Publish(events.Event{
			Type:     events.TypeEquityDrift,
			Severity: events.SeverityWarning,
			Message:  "computed equity diverged from venue balance by more than 1%",
			Fields: map[string]any{
				"computed": computed.String(),
				"wallet":   wallet.String(),
				"diffPct":  diff.String(),
			},
		})
	}
}
