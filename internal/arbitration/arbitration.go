// Package arbitration implements the Signal Arbitrator (4.E) and
// Confidence Normalizer (4.F), grounded on the teacher's weighted-source
// aggregator in internal/signals/aggregator.go.
package arbitration

import (
	"sync"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

const rollingWindow = 20

// Normalizer maintains per-agent rolling accuracy and scales raw
// confidence by it (spec §4.F).
type Normalizer struct {
	mu      sync.Mutex
	history map[string][]bool // agentID -> last N outcomes, true=correct
}

// NewNormalizer constructs an empty Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{history: make(map[string][]bool)}
}

// RecordOutcome appends whether the agent's last decision was correct,
// called from Outcome Feedback (internal/feedback) once a trade closes.
func (n *Normalizer) RecordOutcome(agentID string, correct bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := append(n.history[agentID], correct)
	if len(h) > rollingWindow {
		h = h[len(h)-rollingWindow:]
	}
	n.history[agentID] = h
}

// accuracy returns the rolling accuracy for agentID, or 1.0 multiplier
// equivalent (accuracy=0.5) if there is no history yet — spec.md: "zero
// history uses 1.0 multiplier", i.e. normalized = raw * (0.5+0.5) = raw.
func (n *Normalizer) accuracy(agentID string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.history[agentID]
	if len(h) == 0 {
		return decimal.NewFromFloat(0.5)
	}
	correct := 0
	for _, ok := range h {
		if ok {
			correct++
		}
	}
	return decimal.NewFromInt(int64(correct)).Div(decimal.NewFromInt(int64(len(h))))
}

// Normalize scales raw confidence by (0.5+accuracy), clipped to [0,1],
// then by the regime's confidence_delta.
func (n *Normalizer) Normalize(agentID string, raw decimal.Decimal, regimeConfidenceDelta decimal.Decimal) decimal.Decimal {
	acc := n.accuracy(agentID)
	norm := raw.Mul(decimal.NewFromFloat(0.5).Add(acc))
	norm = norm.Add(norm.Mul(regimeConfidenceDelta))

	if norm.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if norm.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return norm
}

// conflictFactor is the 0.15 x max(score) band inside which LONG vs SHORT
// scores are considered conflicting (spec §4.E).
var conflictFactor = decimal.NewFromFloat(0.15)

// tieEpsilon is the "differ by < 1e-9" threshold for the tie-break rule.
var tieEpsilon = decimal.New(1, -9)

// Arbitrate aggregates a symbol's decisions for the current cycle into a
// single Intent (spec §4.E). weightFor resolves an agent's final_weight.
func Arbitrate(symbol string, cycle uint64, decisions []types.Decision, weightFor func(agentID string) decimal.Decimal) types.Intent {
	scores := map[types.Side]decimal.Decimal{
		types.SideLong:  decimal.Zero,
		types.SideShort: decimal.Zero,
		types.SideHold:  decimal.Zero,
	}
	contributors := map[types.Side][]string{}

	for _, d := range decisions {
		w := weightFor(d.AgentID)
		contribution := d.NormalizedConfidence.Mul(w)
		scores[d.RawSignal] = scores[d.RawSignal].Add(contribution)
		contributors[d.RawSignal] = append(contributors[d.RawSignal], d.AgentID)
	}

	longScore := scores[types.SideLong]
	shortScore := scores[types.SideShort]
	holdScore := scores[types.SideHold]

	maxScore := longScore
	if shortScore.GreaterThan(maxScore) {
		maxScore = shortScore
	}
	if holdScore.GreaterThan(maxScore) {
		maxScore = holdScore
	}

	// conflict detection: both directional scores non-zero and close
	if longScore.GreaterThan(decimal.Zero) && shortScore.GreaterThan(decimal.Zero) {
		diff := longScore.Sub(shortScore).Abs()
		if diff.LessThan(conflictFactor.Mul(maxScore)) {
			return types.Intent{Symbol: symbol, Side: types.SideHold, AggregateScore: holdScore, Conflict: true, Cycle: cycle}
		}
	}

	side, score, agents := pickWinner(longScore, shortScore, holdScore, maxScore, contributors)
	return types.Intent{Symbol: symbol, Side: side, AggregateScore: score, ContributingAgents: agents, Cycle: cycle}
}

// pickWinner applies arg max with tie-break order LONG > SHORT > HOLD
// when scores differ by less than tieEpsilon; otherwise genuine max wins.
func pickWinner(longScore, shortScore, holdScore, maxScore decimal.Decimal, contributors map[types.Side][]string) (types.Side, decimal.Decimal, []string) {
	closeToMax := func(s decimal.Decimal) bool {
		return maxScore.Sub(s).Abs().LessThan(tieEpsilon)
	}

	switch {
	case closeToMax(longScore):
		return types.SideLong, longScore, contributors[types.SideLong]
	case closeToMax(shortScore):
		return types.SideShort, shortScore, contributors[types.SideShort]
	default:
		return types.SideHold, holdScore, contributors[types.SideHold]
	}
}
