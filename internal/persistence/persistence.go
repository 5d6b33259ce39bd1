// Package persistence journals the run's audit trail to disk: one CSV per
// append-only log stream (spec §3 persisted entities) plus a per-agent
// JSON snapshot directory. Grounded on the append-only, buffered-then-
// flushed file writer pattern from the retrieved replay trace store
// (os.OpenFile with O_APPEND, one file per stream), adapted here to CSV
// rows batched in memory and flushed every FlushEvery cycles rather than
// fsynced per write.
package persistence

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"go.uber.org/zap"
)

const (
	equityCurveFile = "equity_curve.csv"
	tradesLogFile   = "trades_log.csv"
	decisionsFile   = "decisions_log.csv"
	errorsFile      = "errors_log.csv"
	learningFile    = "learning_log.csv"
	agentsDir       = "agents"
)

var (
	equityHeader    = []string{"timestamp", "realized_cum", "unrealized", "total_equity", "peak", "drawdown_from_peak"}
	tradeHeader     = []string{"closed_at", "symbol", "side", "exit_reason", "entry_price", "exit_price", "quantity", "realized_pnl", "hold_duration", "decision_ref"}
	decisionHeader  = []string{"timestamp", "agent_id", "symbol", "raw_signal", "raw_confidence", "normalized_confidence", "strategy_tag"}
	errorHeader     = []string{"timestamp", "symbol", "kind", "message"}
	learningHeader  = []string{"timestamp", "agent_id", "symbol", "win_rate", "profit_factor", "sample_size"}
)

// Store buffers rows for each log stream in memory and flushes them to CSV
// under dataDir on FlushAll, which the orchestrator calls every FlushEvery
// cycles and once more during graceful shutdown.
type Store struct {
	logger  *zap.Logger
	dataDir string

	mu        sync.Mutex
	equity    [][]string
	trades    [][]string
	decisions [][]string
	errors    [][]string
	learning  [][]string
}

// New constructs a Store rooted at dataDir, creating it and the agents
// subdirectory if needed.
func New(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, agentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: mkdir data dir: %w", err)
	}
	return &Store{logger: logger.Named("persistence"), dataDir: dataDir}, nil
}

// RecordEquity buffers one equity_curve.csv row.
func (s *Store) RecordEquity(snap types.EquitySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = append(s.equity, []string{
		snap.Timestamp.Format(time.RFC3339), snap.RealizedCum.String(), snap.Unrealized.String(),
		snap.TotalEquity.String(), snap.Peak.String(), snap.DrawdownFromPeak.String(),
	})
}

// RecordTrade buffers one trades_log.csv row.
func (s *Store) RecordTrade(t types.TradeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, []string{
		t.ClosedAt.Format(time.RFC3339), t.Symbol, string(t.Side), string(t.ExitReason),
		t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(), t.RealizedPnL.String(),
		t.HoldDuration.String(), t.DecisionRef,
	})
}

// RecordDecision buffers one decisions_log.csv row.
func (s *Store) RecordDecision(d types.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, []string{
		d.Timestamp.Format(time.RFC3339), d.AgentID, d.Symbol, string(d.RawSignal),
		d.RawConfidence.String(), d.NormalizedConfidence.String(), d.StrategyTag,
	})
}

// RecordError buffers one errors_log.csv row.
func (s *Store) RecordError(symbol, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, []string{time.Now().Format(time.RFC3339), symbol, kind, message})
}

// RecordLearning buffers one learning_log.csv row — an agent's rolling
// accuracy-derived stats, appended by Outcome Feedback (internal/feedback).
func (s *Store) RecordLearning(agentID, symbol string, winRate, profitFactor string, sampleSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learning = append(s.learning, []string{
		time.Now().Format(time.RFC3339), agentID, symbol, winRate, profitFactor, fmt.Sprintf("%d", sampleSize),
	})
}

// WriteAgent persists one agent's current state as agents/<agentID>.json,
// overwriting any prior snapshot.
func (s *Store) WriteAgent(a types.Agent) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal agent %s: %w", a.AgentID, err)
	}
	path := filepath.Join(s.dataDir, agentsDir, a.AgentID+".json")
	return os.WriteFile(path, data, 0o644)
}

// FlushAll appends every buffered row to its CSV and clears the buffers.
// Safe to call with empty buffers (a no-op per stream).
func (s *Store) FlushAll() error {
	s.mu.Lock()
	equity, trades, decisions, errs, learning := s.equity, s.trades, s.decisions, s.errors, s.learning
	s.equity, s.trades, s.decisions, s.errors, s.learning = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if err := s.appendCSV(equityCurveFile, equityHeader, equity); err != nil {
		return err
	}
	if err := s.appendCSV(tradesLogFile, tradeHeader, trades); err != nil {
		return err
	}
	if err := s.appendCSV(decisionsFile, decisionHeader, decisions); err != nil {
		return err
	}
	if err := s.appendCSV(errorsFile, errorHeader, errs); err != nil {
		return err
	}
	if err := s.appendCSV(learningFile, learningHeader, learning); err != nil {
		return err
	}
	return nil
}

func (s *Store) appendCSV(name string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	path := filepath.Join(s.dataDir, name)
	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: open %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("persistence: write header %s: %w", name, err)
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("persistence: write row %s: %w", name, err)
		}
	}
	w.Flush()
	return w.Error()
}
