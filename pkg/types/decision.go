package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot is the indicator/price context a Decision or Trade Outcome
// is stamped with, for audit and for outcome-feedback correlation.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	ATRFast   decimal.Decimal `json:"atrFast"`
	ATRSlow   decimal.Decimal `json:"atrSlow"`
	EMA20     decimal.Decimal `json:"ema20"`
	RSI       decimal.Decimal `json:"rsi"`
	MACD      decimal.Decimal `json:"macd"`
	MACDSignal decimal.Decimal `json:"macdSignal"`
	BollingerUpper decimal.Decimal `json:"bollingerUpper"`
	BollingerLower decimal.Decimal `json:"bollingerLower"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decision is produced once per agent per cycle by the Decision Provider.
type Decision struct {
	Timestamp            time.Time       `json:"timestamp"`
	AgentID              string          `json:"agentId"`
	Symbol               string          `json:"symbol"`
	RawSignal            Side            `json:"rawSignal"` // LONG, SHORT or HOLD — never a free string
	RawConfidence        decimal.Decimal `json:"rawConfidence"`
	NormalizedConfidence decimal.Decimal `json:"normalizedConfidence"`
	StrategyTag          string          `json:"strategyTag"`
	ReasoningText        string          `json:"reasoningText"`
	Snapshot             MarketSnapshot  `json:"marketSnapshot"`
}

// Intent is the single per-symbol-per-cycle action chosen by the
// arbitrator. Invariant: only one Intent per (symbol, cycle).
type Intent struct {
	Symbol              string          `json:"symbol"`
	Side                Side            `json:"side"`
	AggregateScore       decimal.Decimal `json:"aggregateScore"`
	ContributingAgents   []string        `json:"contributingAgents"`
	Conflict             bool            `json:"conflict"`
	Cycle                uint64          `json:"cycle"`
}
