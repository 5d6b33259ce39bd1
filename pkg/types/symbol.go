// Package types defines the shared data model for the trading control plane:
// symbols, agents, decisions, arbitrated intents, positions, trade outcomes,
// equity snapshots and the process-wide control state.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol describes an exchange-native perpetual futures instrument and its
// order-rounding filters. Immutable after the initial fetch: the gateway
// caches it for the process lifetime and does not reload it after an
// order error.
type Symbol struct {
	Name        string          `json:"name"` // exchange-native, e.g. "BTCUSDT"
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MinNotional decimal.Decimal `json:"minNotional"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// Side is a trade direction. A tagged variant, never a free string.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideHold  Side = "HOLD"
)

// Opposite returns the opposing directional side. SideHold is its own
// opposite (there is nothing to reverse).
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideHold
	}
}

// OrderSide is the venue-facing BUY/SELL direction, distinct from the
// strategy-facing LONG/SHORT/HOLD Side above.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySideFor returns the venue order side that opens a position in the
// given direction.
func EntrySideFor(side Side) OrderSide {
	if side == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Agent belongs to exactly one symbol. final_weight = base_weight *
// performance_multiplier, clamped to [0.7, 1.3] by the optimizer (out of
// scope); the core treats Agent as read-only per run.
type Agent struct {
	AgentID              string          `json:"agentId"`
	Symbol               string          `json:"symbol"`
	StyleTag             string          `json:"styleTag"`
	BaseWeight           decimal.Decimal `json:"baseWeight"`
	PerformanceMultiplier decimal.Decimal `json:"performanceMultiplier"`
	Config               map[string]any  `json:"config,omitempty"`
}

// FinalWeight returns base_weight * performance_multiplier clamped to
// [0.7, 1.3] as the data-model invariant requires.
func (a Agent) FinalWeight() decimal.Decimal {
	w := a.BaseWeight.Mul(a.PerformanceMultiplier)
	lo := decimal.NewFromFloat(0.7)
	hi := decimal.NewFromFloat(1.3)
	if w.LessThan(lo) {
		return lo
	}
	if w.GreaterThan(hi) {
		return hi
	}
	return w
}
