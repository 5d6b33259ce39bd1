// Package monitor implements the Live Monitor (component 4.K) and the
// Sentinel (4.L): the two long-lived background tasks that run alongside
// the orchestrator's cycle loop (spec §5). Grounded on the teacher's
// ticker+select background-loop pattern in cmd/server/main.go and
// internal/orchestrator/orchestrator.go.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/events"
	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/atlas-desktop/perpsentinel/pkg/xerrors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the subset of internal/gateway.Gateway the monitors need.
type Gateway interface {
	GetPositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error)
}

// PositionCloser abstracts the outcome-reconciliation callback invoked
// when the Live Monitor observes a position closed externally (e.g. TP/SL
// filled on the venue). The orchestrator supplies this.
type PositionCloser interface {
	ReconcileExternalClose(ctx context.Context, p types.Position, lastMark decimal.Decimal)
}

// OrderManager is the subset of internal/orders.Manager the monitors use.
type OrderManager interface {
	SchedulePartialClose(ctx context.Context, p types.Position, fraction decimal.Decimal) orders.CloseResult
	AttachTPSL(ctx context.Context, p types.Position, tpPrice, slPrice decimal.Decimal) (string, string, error)
	MoveStopToBreakeven(ctx context.Context, p types.Position) (string, error)
}

// LiveConfig controls the Live Monitor's cadence and partial-close trigger.
type LiveConfig struct {
	Poll                 time.Duration
	LogDebounce          time.Duration
	PartialCloseROI      decimal.Decimal
	PartialCloseFraction decimal.Decimal
}

// DefaultLiveConfig matches spec.md §4.K.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Poll:                 5 * time.Second,
		LogDebounce:          60 * time.Second,
		PartialCloseROI:      decimal.NewFromFloat(0.003),
		PartialCloseFraction: decimal.NewFromFloat(0.5),
	}
}

// LiveMonitor polls open positions every 5s, observe-only for TP/SL
// presence, and triggers partial closes. It never re-attaches TP/SL —
// that is the Sentinel's sole authority (spec §4.K, §5).
type LiveMonitor struct {
	logger  *zap.Logger
	gateway Gateway
	sm      *orders.StateMachine
	om      OrderManager
	closer  PositionCloser
	config  LiveConfig

	mu       sync.Mutex
	lastLog  map[string]time.Time
}

// NewLiveMonitor constructs a LiveMonitor.
func NewLiveMonitor(logger *zap.Logger, gateway Gateway, sm *orders.StateMachine, om OrderManager, closer PositionCloser, config LiveConfig) *LiveMonitor {
	return &LiveMonitor{
		logger:  logger.Named("live_monitor"),
		gateway: gateway,
		sm:      sm,
		om:      om,
		closer:  closer,
		config:  config,
		lastLog: make(map[string]time.Time),
	}
}

// Run blocks, polling on Poll cadence until ctx is cancelled.
func (lm *LiveMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(lm.config.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.pollOnce(ctx)
		}
	}
}

func (lm *LiveMonitor) pollOnce(ctx context.Context) {
	for _, p := range lm.sm.All() {
		lm.checkPosition(ctx, p)
	}
}

func (lm *LiveMonitor) checkPosition(ctx context.Context, p types.Position) {
	info, err := lm.gateway.GetPositionInfo(ctx, p.Symbol)
	if err != nil {
		lm.logger.Warn("position info fetch failed", zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}

	if info.PositionAmt.IsZero() {
		lm.closer.ReconcileExternalClose(ctx, p, info.MarkPrice)
		return
	}

	orders, err := lm.gateway.GetOpenOrders(ctx, p.Symbol)
	if err == nil {
		hasTP := containsType(orders, types.OrderTypeTakeProfitMarket)
		hasSL := containsType(orders, types.OrderTypeStopMarket)
		if !hasTP || !hasSL {
			lm.logDebounced(p.Symbol, "tp/sl leg missing, observe-only, deferring to sentinel",
				zap.Bool("hasTP", hasTP), zap.Bool("hasSL", hasSL))
		}
	}

	lm.maybeTriggerPartialClose(ctx, p, info)
}

func (lm *LiveMonitor) maybeTriggerPartialClose(ctx context.Context, p types.Position, info types.PositionInfo) {
	if p.PartialCloseDone || p.EntryPrice.IsZero() {
		return
	}
	changeFrac := utils.CalculatePercentageChange(p.EntryPrice, info.MarkPrice).Div(decimal.NewFromInt(100))
	roi := changeFrac
	if p.Side == types.SideShort {
		roi = changeFrac.Neg()
	}
	if roi.GreaterThanOrEqual(lm.config.PartialCloseROI) {
		res := lm.om.SchedulePartialClose(ctx, p, lm.config.PartialCloseFraction)
		lm.logger.Info("partial close evaluated", zap.String("symbol", p.Symbol), zap.String("result", string(res.Kind)))
		if res.Kind == orders.ResultOK {
			if _, err := lm.om.MoveStopToBreakeven(ctx, p); err != nil {
				lm.logger.Warn("breakeven stop move failed", zap.String("symbol", p.Symbol), zap.Error(err))
			}
		}
	}
}

func (lm *LiveMonitor) logDebounced(symbol, msg string, fields ...zap.Field) {
	lm.mu.Lock()
	last, ok := lm.lastLog[symbol]
	now := time.Now()
	if ok && now.Sub(last) < lm.config.LogDebounce {
		lm.mu.Unlock()
		return
	}
	lm.lastLog[symbol] = now
	lm.mu.Unlock()
	lm.logger.Info(msg, append(fields, zap.String("symbol", symbol))...)
}

func containsType(orders []types.VenueOrder, t types.VenueOrderType) bool {
	for _, o := range orders {
		if o.Type == t {
			return true
		}
	}
	return false
}

// SentinelConfig controls the Sentinel's cadence and dual-layer debounce.
type SentinelConfig struct {
	Poll          time.Duration
	MinDebounce   time.Duration
	MinCycleGap   int
}

// DefaultSentinelConfig matches spec.md §4.L.
func DefaultSentinelConfig() SentinelConfig {
	return SentinelConfig{Poll: 60 * time.Second, MinDebounce: 60 * time.Second, MinCycleGap: 3}
}

// TPSLPriceFunc recomputes current TP/SL prices from a position's stored
// entry, respecting the original direction rule (spec §4.L step 3).
type TPSLPriceFunc func(p types.Position) (tp, sl decimal.Decimal)

// Sentinel is the sole authority for TP/SL repair once a position is in
// MONITORING (spec §4.L, §5 sole-authority rule).
type Sentinel struct {
	logger  *zap.Logger
	gateway Gateway
	sm      *orders.StateMachine
	om      OrderManager
	bus     *events.Bus
	config  SentinelConfig
	prices  TPSLPriceFunc

	mu         sync.Mutex
	mutexState map[string]*types.SymbolMutexState
	cycle      int
}

// NewSentinel constructs a Sentinel.
func NewSentinel(logger *zap.Logger, gateway Gateway, sm *orders.StateMachine, om OrderManager, bus *events.Bus, prices TPSLPriceFunc, config SentinelConfig) *Sentinel {
	return &Sentinel{
		logger:     logger.Named("sentinel"),
		gateway:    gateway,
		sm:         sm,
		om:         om,
		bus:        bus,
		config:     config,
		prices:     prices,
		mutexState: make(map[string]*types.SymbolMutexState),
	}
}

// Run blocks, polling on Poll cadence until ctx is cancelled.
func (s *Sentinel) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.cycle++
			s.mu.Unlock()
			s.pollOnce(ctx)
		}
	}
}

func (s *Sentinel) pollOnce(ctx context.Context) {
	for _, p := range s.sm.All() {
		if p.State != types.PositionMonitoring {
			continue
		}
		if p.TPOrderID != "" && p.SLOrderID != "" {
			continue
		}
		s.repair(ctx, p)
	}
}

func (s *Sentinel) state(symbol string) *types.SymbolMutexState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.mutexState[symbol]
	if !ok {
		st = &types.SymbolMutexState{Symbol: symbol}
		s.mutexState[symbol] = st
	}
	return st
}

func (s *Sentinel) repair(ctx context.Context, p types.Position) {
	st := s.state(p.Symbol)
	now := time.Now()

	s.mu.Lock()
	cycle := s.cycle
	s.mu.Unlock()

	// dual-layer debounce: time AND cycle-count gates (spec §4.L step 1).
	if !st.ReattachLastAttempt.IsZero() {
		if now.Sub(st.ReattachLastAttempt) < s.config.MinDebounce {
			return
		}
		if cycle-st.ReattachCycleCount < s.config.MinCycleGap {
			return
		}
	}

	st.ReattachLastAttempt = now
	st.ReattachCycleCount = cycle

	tp, sl := s.prices(p)
	_, _, err := s.om.AttachTPSL(ctx, p, tp, sl)
	if err == nil {
		s.logger.Info("tpsl reattached", zap.String("symbol", p.Symbol))
		return
	}

	if ve, ok := err.(*xerrors.VenueError); ok {
		switch ve.Code {
		case -2019:
			s.logger.Warn("reattach skipped: margin insufficient", zap.String("symbol", p.Symbol))
			s.bus.Publish(events.Event{
				Type:     events.TypeReattachSkippedMargin,
				Severity: events.SeverityWarning,
				Symbol:   p.Symbol,
				Message:  "tp/sl reattach skipped: margin insufficient",
			})
		case -2011, -4164:
			s.logger.Info("reattach treated as success", zap.String("symbol", p.Symbol))
		default:
			s.logger.Warn("reattach failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		return
	}
	s.logger.Warn("reattach failed", zap.String("symbol", p.Symbol), zap.Error(err))
}
