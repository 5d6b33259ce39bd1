package orders_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func openPosition(sm *orders.StateMachine, symbol string, side types.Side) {
	sm.Open(types.Position{Symbol: symbol, Side: side, Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)})
}

func TestStateMachineOpenAndGet(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)

	p, ok := sm.Get("BTCUSDT", types.SideLong)
	if !ok {
		t.Fatal("expected position to be found")
	}
	if p.State != types.PositionOpen {
		t.Errorf("expected state OPEN, got %s", p.State)
	}
}

func TestStateMachinePromoteToMonitoring(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)

	sm.PromoteToMonitoring("BTCUSDT", types.SideLong, "tp1", "sl1", "hash1")
	p, _ := sm.Get("BTCUSDT", types.SideLong)
	if p.State != types.PositionMonitoring {
		t.Errorf("expected MONITORING, got %s", p.State)
	}
	if !p.HasBothLegs() {
		t.Error("expected both legs set after promotion")
	}
}

func TestStateMachineSetLegsDoesNotForceTransition(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)

	sm.SetLegs("BTCUSDT", types.SideLong, "tp1", "", "")
	p, _ := sm.Get("BTCUSDT", types.SideLong)
	if p.State != types.PositionOpen {
		t.Errorf("expected state unchanged by SetLegs, got %s", p.State)
	}
	if p.TPOrderID != "tp1" {
		t.Errorf("expected TP order id set, got %q", p.TPOrderID)
	}
}

func TestStateMachineBeginClosingRejectsFromClosing(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)

	if !sm.BeginClosing("BTCUSDT", types.SideLong) {
		t.Fatal("expected first BeginClosing to succeed from OPEN")
	}
	if sm.BeginClosing("BTCUSDT", types.SideLong) {
		t.Error("expected second BeginClosing to fail once already CLOSING")
	}
}

func TestStateMachineBeginClosingUnknownPosition(t *testing.T) {
	sm := orders.NewStateMachine()
	if sm.BeginClosing("BTCUSDT", types.SideLong) {
		t.Error("expected false for a position that was never opened")
	}
}

func TestStateMachineCloseRemovesTracking(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)
	sm.Close("BTCUSDT", types.SideLong)

	if _, ok := sm.Get("BTCUSDT", types.SideLong); ok {
		t.Error("expected position to be gone after Close")
	}
	if len(sm.All()) != 0 {
		t.Error("expected no tracked positions after Close")
	}
}

func TestStateMachineMarkPartialDoneOnlyOnce(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)

	if !sm.MarkPartialDone("BTCUSDT", types.SideLong) {
		t.Fatal("expected first MarkPartialDone to succeed")
	}
	if sm.MarkPartialDone("BTCUSDT", types.SideLong) {
		t.Error("expected second MarkPartialDone to be a no-op")
	}
}

func TestStateMachineExitDebounce(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)
	now := time.Now()

	if !sm.IsExitAllowed("BTCUSDT", types.SideLong, now, 5*time.Second) {
		t.Fatal("expected exit allowed with no prior attempt")
	}
	sm.RecordExitAttempt("BTCUSDT", types.SideLong, now)
	if sm.IsExitAllowed("BTCUSDT", types.SideLong, now.Add(time.Second), 5*time.Second) {
		t.Error("expected exit blocked within the debounce window")
	}
	if !sm.IsExitAllowed("BTCUSDT", types.SideLong, now.Add(6*time.Second), 5*time.Second) {
		t.Error("expected exit allowed once the debounce window has passed")
	}
}

func TestGenerateTPSLHashIsDeterministicAndDistinct(t *testing.T) {
	h1 := orders.GenerateTPSLHash("BTCUSDT", types.SideLong, decimal.NewFromInt(110), decimal.NewFromInt(90))
	h2 := orders.GenerateTPSLHash("BTCUSDT", types.SideLong, decimal.NewFromInt(110), decimal.NewFromInt(90))
	if h1 != h2 {
		t.Error("expected identical inputs to produce identical hashes")
	}
	h3 := orders.GenerateTPSLHash("BTCUSDT", types.SideLong, decimal.NewFromInt(111), decimal.NewFromInt(90))
	if h1 == h3 {
		t.Error("expected different TP price to change the hash")
	}
}

func TestIsTPSLDuplicate(t *testing.T) {
	sm := orders.NewStateMachine()
	openPosition(sm, "BTCUSDT", types.SideLong)
	hash := orders.GenerateTPSLHash("BTCUSDT", types.SideLong, decimal.NewFromInt(110), decimal.NewFromInt(90))

	if sm.IsTPSLDuplicate("BTCUSDT", types.SideLong, hash) {
		t.Error("expected not a duplicate before any hash is recorded")
	}
	sm.PromoteToMonitoring("BTCUSDT", types.SideLong, "tp1", "sl1", hash)
	if !sm.IsTPSLDuplicate("BTCUSDT", types.SideLong, hash) {
		t.Error("expected duplicate once the hash is the active one")
	}
}
