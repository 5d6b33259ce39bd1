// Package orders implements the Order Manager (component 4.I, "hardest
// subsystem" per spec.md) and the Trade State Machine (4.J). Grounded
// heavily on the teacher's internal/execution/order_manager.go (entry
// protocol shape, per-symbol guard map) and internal/execution/executor.go
// (submit-then-confirm polling), generalized to spec.md's exact protocol
// and direction-correctness rule.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/xerrors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the subset of internal/gateway.Gateway the Order Manager
// depends on.
type Gateway interface {
	GetPositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error)
	PlaceOrder(ctx context.Context, params types.OrderParams) (string, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetFilters(ctx context.Context, symbol string) (types.Symbol, error)
	RoundPrice(price decimal.Decimal, sym types.Symbol, mark decimal.Decimal, side types.OrderSide) decimal.Decimal
	RoundQuantity(qty decimal.Decimal, sym types.Symbol) decimal.Decimal
}

// Config carries every spec-fixed cooldown/debounce/threshold for this
// component (spec §4.I).
type Config struct {
	SameSideCooldown       time.Duration
	ReversalCooldown       time.Duration
	DuplicateGuardDebounce time.Duration
	ExitDebounce           time.Duration
	MinNotional            decimal.Decimal
	ConfirmTimeout         time.Duration
	ConfirmPoll            time.Duration
	PartialCloseROI        decimal.Decimal
	PartialCloseFraction   decimal.Decimal
}

// DefaultConfig matches spec.md's fixed values.
func DefaultConfig() Config {
	return Config{
		SameSideCooldown:       900 * time.Second,
		ReversalCooldown:       600 * time.Second,
		DuplicateGuardDebounce: 2500 * time.Millisecond,
		ExitDebounce:           5 * time.Second,
		MinNotional:            decimal.NewFromInt(10),
		ConfirmTimeout:         2 * time.Second,
		ConfirmPoll:            200 * time.Millisecond,
		PartialCloseROI:        decimal.NewFromFloat(0.003),
		PartialCloseFraction:   decimal.NewFromFloat(0.5),
	}
}

// ResultKind is the tagged result variant spec.md §9 requires in place of
// exceptions: every public op returns {Ok, Skipped(reason), Failed(kind)}.
type ResultKind string

const (
	ResultOK      ResultKind = "ok"
	ResultSkipped ResultKind = "skipped"
	ResultFailed  ResultKind = "failed"
)

// EntryResult is returned by SubmitEntry.
type EntryResult struct {
	Kind     ResultKind
	Reason   string
	Position types.Position
}

// CloseResult is returned by Close and SchedulePartialClose.
type CloseResult struct {
	Kind   ResultKind
	Reason string
}

// Manager implements the Order Manager's public operations.
type Manager struct {
	logger  *zap.Logger
	gateway Gateway
	sm      *StateMachine
	config  Config

	mu          sync.Mutex
	symbolState map[string]*types.SymbolMutexState
}

// New constructs a Manager.
func New(logger *zap.Logger, gateway Gateway, sm *StateMachine, config Config) *Manager {
	return &Manager{
		logger:      logger.Named("orders"),
		gateway:     gateway,
		sm:          sm,
		config:      config,
		symbolState: make(map[string]*types.SymbolMutexState),
	}
}

func (m *Manager) mutexState(symbol string) *types.SymbolMutexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbolState[symbol]
	if !ok {
		st = &types.SymbolMutexState{Symbol: symbol}
		m.symbolState[symbol] = st
	}
	return st
}

// SubmitEntry implements the full entry protocol (spec §4.I steps 1-9).
func (m *Manager) SubmitEntry(ctx context.Context, symbol string, side types.Side, quantity decimal.Decimal, leverage int, decisionRef string) EntryResult {
	now := time.Now()
	st := m.mutexState(symbol)

	// step 1: same-side / reversal cooldowns
	if !st.LastEntryTime.IsZero() {
		elapsed := now.Sub(st.LastEntryTime)
		if st.LastEntrySide == side && elapsed < m.config.SameSideCooldown {
			return EntryResult{Kind: ResultSkipped, Reason: "same_side_cooldown"}
		}
		if st.LastEntrySide != side && st.LastEntrySide != "" && elapsed < m.config.ReversalCooldown {
			return EntryResult{Kind: ResultSkipped, Reason: "reversal_cooldown"}
		}
	}

	// step 2: duplicate guard against an existing open position in the
	// same direction, debounced to avoid repeat logging.
	if _, ok := m.sm.Get(symbol, side); ok {
		if now.Sub(st.LastConflictLog) < m.config.DuplicateGuardDebounce {
			return EntryResult{Kind: ResultSkipped, Reason: "duplicate_open_position"}
		}
		st.LastConflictLog = now
		return EntryResult{Kind: ResultSkipped, Reason: "duplicate_open_position"}
	}

	sym, err := m.gateway.GetFilters(ctx, symbol)
	if err != nil {
		return EntryResult{Kind: ResultFailed, Reason: "filters_unavailable"}
	}

	// step 3: set leverage (idempotent)
	if err := m.gateway.SetLeverage(ctx, symbol, leverage); err != nil {
		m.logger.Warn("set_leverage failed", zap.String("symbol", symbol), zap.Error(err))
	}

	// step 4: submit market entry
	roundedQty := m.gateway.RoundQuantity(quantity, sym)
	if roundedQty.LessThan(sym.MinQty) {
		return EntryResult{Kind: ResultSkipped, Reason: "below_minimum"}
	}
	orderSide := types.EntrySideFor(side)
	clientID := uuid.NewString()
	_, err = m.gateway.PlaceOrder(ctx, types.OrderParams{
		Symbol: symbol, Side: orderSide, Type: types.OrderTypeMarket,
		Quantity: roundedQty, ClientOrderID: clientID,
	})
	if err != nil {
		return EntryResult{Kind: ResultFailed, Reason: classifyReason(err)}
	}

	// step 5: confirm position, no TP/SL attach on failure
	info, confirmed := m.waitForPositionConfirmation(ctx, symbol, side)
	if !confirmed {
		return EntryResult{Kind: ResultFailed, Reason: "entry_unconfirmed"}
	}

	position := types.Position{
		Symbol:      symbol,
		Side:        side,
		Quantity:    info.PositionAmt.Abs(),
		EntryPrice:  info.EntryPrice,
		Leverage:    leverage,
		OpenedAt:    now,
		DecisionRef: decisionRef,
	}
	m.sm.Open(position)

	st.LastEntryTime = now
	st.LastEntrySide = side

	return EntryResult{Kind: ResultOK, Position: position}
}

func (m *Manager) waitForPositionConfirmation(ctx context.Context, symbol string, side types.Side) (types.PositionInfo, bool) {
	deadline := time.Now().Add(m.config.ConfirmTimeout)
	for time.Now().Before(deadline) {
		info, err := m.gateway.GetPositionInfo(ctx, symbol)
		if err == nil {
			isLong := side == types.SideLong && info.PositionAmt.GreaterThan(decimal.Zero)
			isShort := side == types.SideShort && info.PositionAmt.LessThan(decimal.Zero)
			if isLong || isShort {
				return info, true
			}
		}
		select {
		case <-ctx.Done():
			return types.PositionInfo{}, false
		case <-time.After(m.config.ConfirmPoll):
		}
	}
	return types.PositionInfo{}, false
}

// TPSLPrices computes entry-relative TP/SL under the direction rule
// (spec §4.I "Direction rule (critical correctness)"). Returns an error
// if the computed pair fails the geometry invariant.
func TPSLPrices(side types.Side, entry, tpFrac, slFrac decimal.Decimal) (tp, sl decimal.Decimal, err error) {
	one := decimal.NewFromInt(1)
	switch side {
	case types.SideLong:
		tp = entry.Mul(one.Add(tpFrac))
		sl = entry.Mul(one.Sub(slFrac))
		if !(tp.GreaterThan(entry) && entry.GreaterThan(sl)) {
			return tp, sl, &xerrors.ErrInvalidTpslGeometry{Symbol: "", Side: string(side), TP: tp.String(), SL: sl.String()}
		}
	case types.SideShort:
		tp = entry.Mul(one.Sub(tpFrac))
		sl = entry.Mul(one.Add(slFrac))
		if !(tp.LessThan(entry) && entry.LessThan(sl)) {
			return tp, sl, &xerrors.ErrInvalidTpslGeometry{Symbol: "", Side: string(side), TP: tp.String(), SL: sl.String()}
		}
	default:
		return decimal.Zero, decimal.Zero, &xerrors.ErrInvalidTpslGeometry{Side: string(side)}
	}
	return tp, sl, nil
}

// AttachTPSL implements attach_tpsl: preferred closePosition mode, with
// fallback to reduceOnly on -1106, then verification via a fresh
// open-orders read (spec §4.I steps 7-9).
func (m *Manager) AttachTPSL(ctx context.Context, p types.Position, tpPrice, slPrice decimal.Decimal) (tpID, slID string, err error) {
	hash := GenerateTPSLHash(p.Symbol, p.Side, tpPrice, slPrice)
	if m.sm.IsTPSLDuplicate(p.Symbol, p.Side, hash) {
		m.logger.Debug("tpsl duplicate suppressed", zap.String("symbol", p.Symbol))
		return p.TPOrderID, p.SLOrderID, nil
	}

	sym, ferr := m.gateway.GetFilters(ctx, p.Symbol)
	if ferr != nil {
		return "", "", ferr
	}
	protectiveSide := oppositeOrderSide(p.Side)
	tpRounded := m.gateway.RoundPrice(tpPrice, sym, p.EntryPrice, protectiveSide)
	slRounded := m.gateway.RoundPrice(slPrice, sym, p.EntryPrice, protectiveSide)

	tpID, err = m.attachLeg(ctx, p, sym, types.OrderTypeTakeProfitMarket, tpRounded, protectiveSide)
	if err != nil {
		m.logger.Warn("tp attach failed", zap.String("symbol", p.Symbol), zap.Error(err))
	}
	slID, err = m.attachLeg(ctx, p, sym, types.OrderTypeStopMarket, slRounded, protectiveSide)
	if err != nil {
		m.logger.Warn("sl attach failed", zap.String("symbol", p.Symbol), zap.Error(err))
	}

	// step 9: verify both legs via a fresh read; retry the missing leg once
	openOrders, _ := m.gateway.GetOpenOrders(ctx, p.Symbol)
	if tpID == "" || !hasOrder(openOrders, types.OrderTypeTakeProfitMarket) {
		tpID, _ = m.attachLeg(ctx, p, sym, types.OrderTypeTakeProfitMarket, tpRounded, protectiveSide)
	}
	if slID == "" || !hasOrder(openOrders, types.OrderTypeStopMarket) {
		slID, _ = m.attachLeg(ctx, p, sym, types.OrderTypeStopMarket, slRounded, protectiveSide)
	}

	if tpID == "" || slID == "" {
		// promote anyway so the Sentinel repairs the missing leg; the empty
		// hash keeps its re-attach from being suppressed as a duplicate
		m.sm.PromoteToMonitoring(p.Symbol, p.Side, tpID, slID, "")
		return tpID, slID, &xerrors.ErrTpslIncomplete{Symbol: p.Symbol}
	}

	m.sm.PromoteToMonitoring(p.Symbol, p.Side, tpID, slID, hash)
	return tpID, slID, nil
}

func (m *Manager) attachLeg(ctx context.Context, p types.Position, sym types.Symbol, orderType types.VenueOrderType, price decimal.Decimal, side types.OrderSide) (string, error) {
	params := types.OrderParams{
		Symbol: p.Symbol, Side: side, Type: orderType,
		StopPrice: price, ClosePosition: true, WorkingType: types.WorkingTypeMarkPrice,
		ClientOrderID: uuid.NewString(),
	}
	id, err := m.gateway.PlaceOrder(ctx, params)
	if err == nil {
		return id, nil
	}

	if ve, ok := err.(*xerrors.VenueError); ok {
		if mapped, found := xerrors.Lookup(ve.Code); found && mapped.Policy == xerrors.PolicyFallbackRetry {
			fallback := params
			fallback.ClosePosition = false
			fallback.ReduceOnly = true
			fallback.Quantity = m.gateway.RoundQuantity(p.Quantity, sym)
			fallback.ClientOrderID = uuid.NewString()
			return m.gateway.PlaceOrder(ctx, fallback)
		}
	}
	return "", err
}

func hasOrder(orders []types.VenueOrder, t types.VenueOrderType) bool {
	for _, o := range orders {
		if o.Type == t {
			return true
		}
	}
	return false
}

func oppositeOrderSide(side types.Side) types.OrderSide {
	if side == types.SideShort {
		return types.OrderSideBuy
	}
	return types.OrderSideSell
}

// Close implements the exit protocol: debounce, rounding, minimum checks,
// then a reduce-only market close (spec §4.I "Exit protocol").
func (m *Manager) Close(ctx context.Context, p types.Position, reason types.ExitReason) CloseResult {
	now := time.Now()
	if !m.sm.IsExitAllowed(p.Symbol, p.Side, now, m.config.ExitDebounce) {
		return CloseResult{Kind: ResultSkipped, Reason: "exit_debounced"}
	}
	m.sm.RecordExitAttempt(p.Symbol, p.Side, now)

	if !m.sm.BeginClosing(p.Symbol, p.Side) {
		return CloseResult{Kind: ResultSkipped, Reason: "not_closable"}
	}

	sym, err := m.gateway.GetFilters(ctx, p.Symbol)
	if err != nil {
		return CloseResult{Kind: ResultFailed, Reason: "filters_unavailable"}
	}
	qty := m.gateway.RoundQuantity(p.Quantity, sym)
	notional := qty.Mul(p.EntryPrice)
	if qty.LessThan(sym.MinQty) || notional.LessThan(m.config.MinNotional) {
		return CloseResult{Kind: ResultSkipped, Reason: "below_minimum"}
	}

	closeSide := oppositeOrderSide(p.Side)
	_, err = m.gateway.PlaceOrder(ctx, types.OrderParams{
		Symbol: p.Symbol, Side: closeSide, Type: types.OrderTypeMarket,
		Quantity: qty, ReduceOnly: true, ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return CloseResult{Kind: ResultFailed, Reason: classifyReason(err)}
	}

	m.sm.Close(p.Symbol, p.Side)
	mutexState := m.mutexState(p.Symbol)
	mutexState.LastExitTime = now
	m.logger.Info("position closed", zap.String("symbol", p.Symbol), zap.String("reason", string(reason)))
	return CloseResult{Kind: ResultOK}
}

// SchedulePartialClose implements the partial-close trigger: closes
// fraction x current_quantity, setting partial_close_done on success
// (spec §4.I "Partial close"). Called only by the Live Monitor.
func (m *Manager) SchedulePartialClose(ctx context.Context, p types.Position, fraction decimal.Decimal) CloseResult {
	if p.PartialCloseDone {
		return CloseResult{Kind: ResultSkipped, Reason: "partial_already_done"}
	}

	sym, err := m.gateway.GetFilters(ctx, p.Symbol)
	if err != nil {
		return CloseResult{Kind: ResultFailed, Reason: "filters_unavailable"}
	}
	qty := m.gateway.RoundQuantity(p.Quantity.Mul(fraction), sym)
	notional := qty.Mul(p.EntryPrice)
	if qty.LessThan(sym.MinQty) || notional.LessThan(m.config.MinNotional) {
		return CloseResult{Kind: ResultSkipped, Reason: "below_minimum"}
	}

	closeSide := oppositeOrderSide(p.Side)
	_, err = m.gateway.PlaceOrder(ctx, types.OrderParams{
		Symbol: p.Symbol, Side: closeSide, Type: types.OrderTypeMarket,
		Quantity: qty, ReduceOnly: true, ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return CloseResult{Kind: ResultFailed, Reason: classifyReason(err)}
	}

	if !m.sm.MarkPartialDone(p.Symbol, p.Side) {
		return CloseResult{Kind: ResultSkipped, Reason: "partial_already_done"}
	}
	return CloseResult{Kind: ResultOK}
}

// breakevenBuffer is the small cushion added past raw entry price so a
// breakeven stop still clears fees/slippage, per spec.md's partial-close
// note ("move SL to breakeven (+ small buffer)").
var breakevenBuffer = decimal.NewFromFloat(0.0005)

// MoveStopToBreakeven replaces the SL leg with one at entry price plus a
// small buffer, called by the Live Monitor once a partial close succeeds
// (spec §4.I "Partial close"). Leaves the TP leg untouched.
func (m *Manager) MoveStopToBreakeven(ctx context.Context, p types.Position) (string, error) {
	sym, err := m.gateway.GetFilters(ctx, p.Symbol)
	if err != nil {
		return "", err
	}

	protectiveSide := oppositeOrderSide(p.Side)
	var breakeven decimal.Decimal
	if p.Side == types.SideLong {
		breakeven = p.EntryPrice.Mul(decimal.NewFromInt(1).Add(breakevenBuffer))
	} else {
		breakeven = p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(breakevenBuffer))
	}
	rounded := m.gateway.RoundPrice(breakeven, sym, p.EntryPrice, protectiveSide)

	slID, err := m.attachLeg(ctx, p, sym, types.OrderTypeStopMarket, rounded, protectiveSide)
	if err != nil {
		return "", err
	}
	m.sm.SetLegs(p.Symbol, p.Side, "", slID, "")
	return slID, nil
}

func classifyReason(err error) string {
	if ve, ok := err.(*xerrors.VenueError); ok {
		if mapped, found := xerrors.Lookup(ve.Code); found {
			return mapped.Meaning
		}
	}
	return "transport_error"
}
