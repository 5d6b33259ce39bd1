package decision

import (
	"context"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

// TechnicalOracle implements Oracle with a small set of indicator-driven
// rules keyed by an agent's style_tag, grounded on the teacher's built-in
// strategy set in internal/strategy/strategy.go (momentum, mean_reversion,
// breakout). The upstream AI/LLM decision source itself is out of scope
// (spec.md §1 treats Oracle as opaque); this is the concrete stand-in every
// agent in the default registry is wired to.
type TechnicalOracle struct{}

// NewTechnicalOracle constructs a TechnicalOracle.
func NewTechnicalOracle() *TechnicalOracle {
	return &TechnicalOracle{}
}

const (
	StyleMomentum      = "momentum"
	StyleMeanReversion = "mean_reversion"
	StyleBreakout      = "breakout"
)

// Decide never returns an error; an unrecognized style_tag degrades to
// HOLD with zero confidence rather than failing the cycle.
func (o *TechnicalOracle) Decide(_ context.Context, agent types.Agent, snap types.MarketSnapshot) (Raw, error) {
	switch agent.StyleTag {
	case StyleMomentum:
		return momentumSignal(snap), nil
	case StyleMeanReversion:
		return meanReversionSignal(snap), nil
	case StyleBreakout:
		return breakoutSignal(snap), nil
	default:
		return Raw{Signal: types.SideHold, Confidence: decimal.Zero, StrategyTag: agent.StyleTag, ReasoningText: "unknown_style_tag"}, nil
	}
}

// momentumSignal follows the MACD/EMA trend: MACD above its signal line
// and price above EMA20 favors LONG, the mirror favors SHORT.
func momentumSignal(snap types.MarketSnapshot) Raw {
	macdAbove := snap.MACD.GreaterThan(snap.MACDSignal)
	priceAboveEMA := snap.Price.GreaterThan(snap.EMA20)

	switch {
	case macdAbove && priceAboveEMA:
		return Raw{Signal: types.SideLong, Confidence: decimal.NewFromFloat(0.65), StrategyTag: StyleMomentum, ReasoningText: "macd_above_signal_and_price_above_ema20"}
	case !macdAbove && !priceAboveEMA:
		return Raw{Signal: types.SideShort, Confidence: decimal.NewFromFloat(0.65), StrategyTag: StyleMomentum, ReasoningText: "macd_below_signal_and_price_below_ema20"}
	default:
		return Raw{Signal: types.SideHold, Confidence: decimal.NewFromFloat(0.4), StrategyTag: StyleMomentum, ReasoningText: "trend_indicators_disagree"}
	}
}

// meanReversionSignal fades RSI extremes: oversold favors LONG, overbought
// favors SHORT.
func meanReversionSignal(snap types.MarketSnapshot) Raw {
	switch {
	case snap.RSI.LessThan(decimal.NewFromInt(30)):
		return Raw{Signal: types.SideLong, Confidence: decimal.NewFromFloat(0.6), StrategyTag: StyleMeanReversion, ReasoningText: "rsi_oversold"}
	case snap.RSI.GreaterThan(decimal.NewFromInt(70)):
		return Raw{Signal: types.SideShort, Confidence: decimal.NewFromFloat(0.6), StrategyTag: StyleMeanReversion, ReasoningText: "rsi_overbought"}
	default:
		return Raw{Signal: types.SideHold, Confidence: decimal.NewFromFloat(0.3), StrategyTag: StyleMeanReversion, ReasoningText: "rsi_neutral"}
	}
}

// breakoutSignal fires on a close outside the Bollinger bands, the
// direction of the breach setting the side.
func breakoutSignal(snap types.MarketSnapshot) Raw {
	switch {
	case snap.Price.GreaterThan(snap.BollingerUpper) && snap.BollingerUpper.GreaterThan(decimal.Zero):
		return Raw{Signal: types.SideLong, Confidence: decimal.NewFromFloat(0.55), StrategyTag: StyleBreakout, ReasoningText: "close_above_upper_band"}
	case snap.Price.LessThan(snap.BollingerLower) && snap.BollingerLower.GreaterThan(decimal.Zero):
		return Raw{Signal: types.SideShort, Confidence: decimal.NewFromFloat(0.55), StrategyTag: StyleBreakout, ReasoningText: "close_below_lower_band"}
	default:
		return Raw{Signal: types.SideHold, Confidence: decimal.NewFromFloat(0.3), StrategyTag: StyleBreakout, ReasoningText: "inside_bands"}
	}
}
