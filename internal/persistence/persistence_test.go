package persistence_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/persistence"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFlushAllWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.RecordEquity(types.EquitySnapshot{Timestamp: time.Now(), TotalEquity: dec(1000)})
	if err := store.FlushAll(); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	store.RecordEquity(types.EquitySnapshot{Timestamp: time.Now(), TotalEquity: dec(1010)})
	if err := store.FlushAll(); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "equity_curve.csv"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 data rows, got %d lines: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Errorf("expected the first line to be the header, got %q", lines[0])
	}
}

func TestFlushAllIsNoOpForEmptyStreams(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.FlushAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "trades_log.csv")); !os.IsNotExist(err) {
		t.Error("expected no file written for a stream with no buffered rows")
	}
}

func TestWriteAgentPersistsJSONSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agent := types.Agent{AgentID: "agent-1", Symbol: "BTCUSDT", StyleTag: "momentum", BaseWeight: dec(1), PerformanceMultiplier: dec(1)}
	if err := store.WriteAgent(agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "agents", "agent-1.json"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !strings.Contains(string(data), "momentum") {
		t.Errorf("expected the written JSON to contain the style tag, got %s", data)
	}
}

func TestRecordTradeBuffersUntilFlushed(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.RecordTrade(types.TradeOutcome{
		Symbol: "ETHUSDT", Side: types.SideLong, ExitReason: types.ExitTP,
		EntryPrice: dec(100), ExitPrice: dec(110), Quantity: dec(1), RealizedPnL: dec(10),
		ClosedAt: time.Now(),
	})
	if _, err := os.Stat(filepath.Join(dir, "trades_log.csv")); !os.IsNotExist(err) {
		t.Error("expected no file on disk before FlushAll is called")
	}
	if err := store.FlushAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trades_log.csv"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !strings.Contains(string(data), "ETHUSDT") {
		t.Errorf("expected the flushed row to contain the symbol, got %s", data)
	}
}
