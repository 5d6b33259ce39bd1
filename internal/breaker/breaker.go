// Package breaker implements the three independent circuit breakers
// (component 4.H): volatility spike, funding spike and quote spread. Each
// pauses entries for 10 minutes; exits are never paused. Grounded on the
// teacher's CircuitBreakerState shape carried in pkg/types and the
// process-wide ControlState design note in spec.md §9.
package breaker

import (
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	NameVolatility = "volatility_spike"
	NameFunding    = "funding_spike"
	NameSpread     = "quote_spread"
)

var (
	volatilityMultiplier = decimal.NewFromFloat(1.2)
	fundingDeltaThreshold = decimal.NewFromFloat(0.001) // 0.1 percentage points
	spreadThreshold       = decimal.NewFromFloat(0.0015) // 0.15%
)

// Config controls the pause duration.
type Config struct {
	PauseDuration time.Duration
}

// DefaultConfig matches spec.md's fixed 10-minute pause.
func DefaultConfig() Config {
	return Config{PauseDuration: 10 * time.Minute}
}

// Registry tracks breaker state per symbol; process-wide per spec.md §3's
// CircuitBreakerState entity.
type Registry struct {
	mu     sync.RWMutex
	config Config
	states map[string]map[string]types.CircuitBreakerState // symbol -> name -> state
}

// NewRegistry constructs an empty Registry.
func NewRegistry(config Config) *Registry {
	return &Registry{config: config, states: make(map[string]map[string]types.CircuitBreakerState)}
}

// trip records a breaker trip for symbol at time now.
func (r *Registry) trip(symbol, name, reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[symbol] == nil {
		r.states[symbol] = make(map[string]types.CircuitBreakerState)
	}
	r.states[symbol][name] = types.CircuitBreakerState{
		Name:          name,
		ActiveUntil:   now.Add(r.config.PauseDuration),
		TriggerReason: reason,
	}
}

// EntriesPaused reports whether any breaker is currently active for the
// symbol at time now (entries only; exits always proceed per spec §4.H).
func (r *Registry) EntriesPaused(symbol string, now time.Time) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.states[symbol] {
		if state.Active(now) {
			return true, state.Name
		}
	}
	return false, ""
}

// CheckVolatilitySpike trips NameVolatility if the current candle's range
// exceeds 1.2x the median range of the last 20 candles.
func (r *Registry) CheckVolatilitySpike(symbol string, candles []types.OHLCV, now time.Time) bool {
	if len(candles) < 2 {
		return false
	}
	current := candleRange(candles[len(candles)-1])

	window := candles
	if len(window) > 21 {
		window = window[len(window)-21 : len(window)-1]
	} else {
		window = window[:len(window)-1]
	}
	if len(window) == 0 {
		return false
	}
	ranges := make([]decimal.Decimal, len(window))
	for i, c := range window {
		ranges[i] = candleRange(c)
	}
	med := median(ranges)

	if current.GreaterThan(med.Mul(volatilityMultiplier)) {
		r.trip(symbol, NameVolatility, "candle range exceeded 1.2x median", now)
		return true
	}
	return false
}

// CheckFundingSpike trips NameFunding if the funding rate moved by more
// than 0.1 percentage points within the last hour.
func (r *Registry) CheckFundingSpike(symbol string, previousRate, currentRate decimal.Decimal, now time.Time) bool {
	delta := currentRate.Sub(previousRate).Abs()
	if delta.GreaterThan(fundingDeltaThreshold) {
		r.trip(symbol, NameFunding, "funding rate delta exceeded 0.1pp", now)
		return true
	}
	return false
}

// CheckQuoteSpread trips NameSpread if the ticker's bid/ask spread
// exceeds 0.15% of price.
func (r *Registry) CheckQuoteSpread(symbol string, ticker types.Ticker, now time.Time) bool {
	if ticker.Spread().GreaterThan(spreadThreshold) {
		r.trip(symbol, NameSpread, "quote spread exceeded 0.15%", now)
		return true
	}
	return false
}

func candleRange(c types.OHLCV) decimal.Decimal {
	return c.High.Sub(c.Low)
}

func median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].GreaterThan(sorted[j]); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
	}
	return sorted[mid]
}
