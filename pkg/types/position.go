package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the trade state machine's tagged state. Transitions:
// OPEN -> MONITORING (TP and SL both acknowledged)
// OPEN -> CLOSING (emergency close, e.g. InvalidTpslGeometry)
// MONITORING -> CLOSING (exit initiated)
// CLOSING -> CLOSED (terminal; StateMachine.Close drops the position from
// tracking, either once the reduce-only close is accepted or once the venue
// reports size 0)
type PositionState string

const (
	PositionOpen       PositionState = "OPEN"
	PositionMonitoring PositionState = "MONITORING"
	PositionClosing    PositionState = "CLOSING"
	PositionClosed     PositionState = "CLOSED"
)

// Position is mutated exclusively by the orchestrator (entries, confirmed
// closes) and the Sentinel (tp_order_id/sl_order_id on re-attach). Reads
// from the Live Monitor use a consistent snapshot (Clone).
type Position struct {
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	EntryPrice        decimal.Decimal `json:"entryPrice"`
	Leverage          int             `json:"leverage"`
	OpenedAt          time.Time       `json:"openedAt"`
	State             PositionState   `json:"state"`
	TPOrderID         string          `json:"tpOrderId,omitempty"`
	SLOrderID         string          `json:"slOrderId,omitempty"`
	TPSLHash          string          `json:"tpslHash,omitempty"`
	PartialCloseDone  bool            `json:"partialCloseDone"`
	DecisionRef       string          `json:"decisionRef,omitempty"`
}

// Clone returns a value copy safe for concurrent reads (e.g. by the Live
// Monitor) while the orchestrator/Sentinel continue to own the original.
func (p *Position) Clone() Position {
	return *p
}

// HasBothLegs reports whether both protective orders are attached.
func (p *Position) HasBothLegs() bool {
	return p.TPOrderID != "" && p.SLOrderID != ""
}

// ExitReason is a tagged variant describing why a position closed.
type ExitReason string

const (
	ExitTP      ExitReason = "TP"
	ExitSL      ExitReason = "SL"
	ExitManual  ExitReason = "MANUAL"
	ExitPartial ExitReason = "PARTIAL"
	ExitForced  ExitReason = "FORCED"
)

// TradeOutcome records the resolution of a closed position.
type TradeOutcome struct {
	PositionRef       string          `json:"positionRef"` // "symbol|side" key
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	ExitReason        ExitReason      `json:"exitReason"`
	EntryPrice        decimal.Decimal `json:"entryPrice"`
	ExitPrice         decimal.Decimal `json:"exitPrice"`
	Quantity          decimal.Decimal `json:"quantity"`
	RealizedPnL       decimal.Decimal `json:"realizedPnl"`
	HoldDuration      time.Duration   `json:"holdDuration"`
	SnapshotAtExit    MarketSnapshot  `json:"marketSnapshotAtExit"`
	DecisionRef       string          `json:"decisionRef,omitempty"`
	ClosedAt          time.Time       `json:"closedAt"`
}

// EquitySnapshot is appended every cycle; Peak is tracked across process
// lifetime and persisted alongside it.
type EquitySnapshot struct {
	Timestamp       time.Time       `json:"timestamp"`
	RealizedCum     decimal.Decimal `json:"realizedCum"`
	Unrealized      decimal.Decimal `json:"unrealized"`
	TotalEquity     decimal.Decimal `json:"totalEquity"`
	Peak            decimal.Decimal `json:"peak"`
	DrawdownFromPeak decimal.Decimal `json:"drawdownFromPeak"`
}

// SymbolMutexState is the per-symbol ordering/cooldown record. The Order
// Manager and the Sentinel each keep their own map of these records; no
// per-symbol lock is taken around it.
type SymbolMutexState struct {
	Symbol              string    `json:"symbol"`
	LastEntryTime       time.Time `json:"lastEntryTime"`
	LastEntrySide       Side      `json:"lastEntrySide"`
	LastExitTime        time.Time `json:"lastExitTime"`
	ConsecutiveLosses   int       `json:"consecutiveLosses"`
	ReattachLastAttempt time.Time `json:"reattachLastAttempt"`
	ReattachCycleCount  int       `json:"reattachCycleCount"`
	LastConflictLog     time.Time `json:"lastConflictLog"`
	LastExitAttempt     time.Time `json:"lastExitAttempt"`
}

// CircuitBreakerState tracks the active-until/reason for one named breaker.
// Process-wide; pauses only entries, never exits.
type CircuitBreakerState struct {
	Name         string    `json:"name"`
	ActiveUntil  time.Time `json:"activeUntil"`
	TriggerReason string   `json:"triggerReason"`
}

// Active reports whether the breaker is currently tripped at time t.
func (c CircuitBreakerState) Active(t time.Time) bool {
	return t.Before(c.ActiveUntil)
}
