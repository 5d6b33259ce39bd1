// Package decision adapts the external AI/LLM decision source (opaque per
// spec.md §1 — "out of scope") behind the Decision Provider contract
// (component 4.D), grounded on the teacher's Perplexity-backed source in
// internal/signals/aggregator.go: a narrow interface plus a short-TTL
// cache keyed by agent, wrapped with a hard timeout that degrades to HOLD.
package decision

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Oracle is the opaque upstream decision source (spec §1: "AI/LLM
// decision source... an opaque DecisionProvider").
type Oracle interface {
	Decide(ctx context.Context, agent types.Agent, snapshot types.MarketSnapshot) (Raw, error)
}

// Raw is what the oracle returns before any caching/normalization.
type Raw struct {
	Signal        types.Side
	Confidence    decimal.Decimal
	StrategyTag   string
	ReasoningText string
}

// Config controls the timeout and high-confidence cache window.
type Config struct {
	Timeout            time.Duration
	CacheCycles        int
	CacheConfidenceMin decimal.Decimal
}

// DefaultConfig matches spec.md §4.D.
func DefaultConfig() Config {
	return Config{
		Timeout:            2 * time.Second,
		CacheCycles:        4,
		CacheConfidenceMin: decimal.NewFromFloat(0.8),
	}
}

type cacheEntry struct {
	decision   types.Decision
	issuedAt   uint64 // cycle number
}

// Provider wraps an Oracle with the timeout/cache contract of spec §4.D.
// Never mutates agent/risk state; it only produces Decisions.
type Provider struct {
	logger *zap.Logger
	oracle Oracle
	config Config

	mu    sync.Mutex
	cache map[string]cacheEntry // key: agentID
}

// New constructs a Provider.
func New(logger *zap.Logger, oracle Oracle, config Config) *Provider {
	return &Provider{
		logger: logger.Named("decision"),
		oracle: oracle,
		config: config,
		cache:  make(map[string]cacheEntry),
	}
}

// Decide implements decide(agent, market_snapshot) -> Decision. It takes
// no recent-performance input: the Confidence Normalizer
// (internal/arbitration) applies recent accuracy downstream. cycle ages
// the per-agent decision cache.
func (p *Provider) Decide(ctx context.Context, agent types.Agent, snapshot types.MarketSnapshot, cycle uint64) types.Decision {
	p.mu.Lock()
	if cached, ok := p.cache[agent.AgentID]; ok {
		if cached.decision.RawConfidence.GreaterThanOrEqual(p.config.CacheConfidenceMin) &&
			cycle-cached.issuedAt < uint64(p.config.CacheCycles) {
			p.mu.Unlock()
			return cached.decision
		}
	}
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	raw, err := p.oracle.Decide(callCtx, agent, snapshot)
	if err != nil {
		p.logger.Warn("decision unavailable, treating as HOLD",
			zap.String("agentId", agent.AgentID), zap.Error(err))
		return types.Decision{
			Timestamp:     time.Now(),
			AgentID:       agent.AgentID,
			Symbol:        agent.Symbol,
			RawSignal:     types.SideHold,
			RawConfidence: decimal.Zero,
			StrategyTag:   agent.StyleTag,
			ReasoningText: "decision_unavailable",
			Snapshot:      snapshot,
		}
	}

	d := types.Decision{
		Timestamp:     time.Now(),
		AgentID:       agent.AgentID,
		Symbol:        agent.Symbol,
		RawSignal:     raw.Signal,
		RawConfidence: raw.Confidence,
		StrategyTag:   raw.StrategyTag,
		ReasoningText: raw.ReasoningText,
		Snapshot:      snapshot,
	}

	p.mu.Lock()
	p.cache[agent.AgentID] = cacheEntry{decision: d, issuedAt: cycle}
	p.mu.Unlock()

	return d
}
