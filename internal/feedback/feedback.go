// Package feedback implements Outcome Feedback (component 4.O): once a
// position closes, resolve its decision_ref back to the agents whose
// decisions fed the arbitrated intent, record each agent's correctness
// into the Confidence Normalizer's rolling window, and append a learning
// record with that agent's updated win-rate/profit-factor. Grounded on
// the teacher's evaluateStrategy/StrategyPerformance bookkeeping in
// internal/orchestrator/orchestrator.go, replaced here with per-agent
// rather than per-strategy accounting to match spec.md's Agent entity.
package feedback

import (
	"sync"

	"github.com/atlas-desktop/perpsentinel/internal/arbitration"
	"github.com/atlas-desktop/perpsentinel/internal/events"
	"github.com/atlas-desktop/perpsentinel/internal/persistence"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// intentRecord captures which agents contributed to the Intent a closed
// position's decision_ref points back to.
type intentRecord struct {
	symbol   string
	agentIDs []string
	signals  map[string]types.Side // agentID -> that agent's raw signal
}

// Tracker correlates closed trades back to the agents that proposed them.
type Tracker struct {
	logger     *zap.Logger
	normalizer *arbitration.Normalizer
	store      *persistence.Store
	bus        *events.Bus

	mu      sync.Mutex
	intents map[string]intentRecord  // decisionRef -> contributing agents
	pnl     map[string][]decimal.Decimal // agentID -> realized PnL history
}

// New constructs a Tracker.
func New(logger *zap.Logger, normalizer *arbitration.Normalizer, store *persistence.Store, bus *events.Bus) *Tracker {
	return &Tracker{
		logger:     logger.Named("feedback"),
		normalizer: normalizer,
		store:      store,
		bus:        bus,
		intents:    make(map[string]intentRecord),
		pnl:        make(map[string][]decimal.Decimal),
	}
}

// RecordIntent registers the agents (and their raw signals) that
// contributed to the Intent identified by ref, called once per cycle per
// symbol right after arbitration, before the Order Manager is invoked.
func (t *Tracker) RecordIntent(ref, symbol string, decisions []types.Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	signals := make(map[string]types.Side, len(decisions))
	agentIDs := make([]string, 0, len(decisions))
	for _, d := range decisions {
		signals[d.AgentID] = d.RawSignal
		agentIDs = append(agentIDs, d.AgentID)
	}
	t.intents[ref] = intentRecord{symbol: symbol, agentIDs: agentIDs, signals: signals}
}

// ResolveOutcome is called once a position closes. It determines per-agent
// correctness (did the agent's raw signal match the realized direction of
// profit?), updates the rolling accuracy window, and appends a learning
// record per contributing agent.
func (t *Tracker) ResolveOutcome(outcome types.TradeOutcome) {
	t.mu.Lock()
	rec, ok := t.intents[outcome.DecisionRef]
	if ok {
		delete(t.intents, outcome.DecisionRef)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("no contributing-agent record for closed trade", zap.String("decisionRef", outcome.DecisionRef))
		return
	}

	profitable := outcome.RealizedPnL.GreaterThan(decimal.Zero)

	for _, agentID := range rec.agentIDs {
		signal := rec.signals[agentID]
		correct := signal == outcome.Side && profitable
		t.normalizer.RecordOutcome(agentID, correct)

		t.mu.Lock()
		hist := append(t.pnl[agentID], outcome.RealizedPnL)
		t.pnl[agentID] = hist
		t.mu.Unlock()

		winRate := utils.CalculateWinRate(hist)
		profitFactor := utils.CalculateProfitFactor(hist)
		t.store.RecordLearning(agentID, outcome.Symbol, winRate.StringFixed(4), profitFactor.StringFixed(4), len(hist))
	}

	t.bus.Publish(events.Event{
		Type:    events.TypeOutcomeRecorded,
		Symbol:  outcome.Symbol,
		Message: "trade outcome resolved to contributing agents",
		Fields: map[string]any{
			"decisionRef": outcome.DecisionRef,
			"realizedPnl": outcome.RealizedPnL.String(),
			"agentCount":  len(rec.agentIDs),
		},
	})
}
