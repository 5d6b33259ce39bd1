package types_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	cases := []struct {
		side types.Side
		want types.Side
	}{
		{types.SideLong, types.SideShort},
		{types.SideShort, types.SideLong},
		{types.SideHold, types.SideHold},
	}
	for _, c := range cases {
		if got := c.side.Opposite(); got != c.want {
			t.Errorf("%s.Opposite() = %s, want %s", c.side, got, c.want)
		}
	}
}

func TestEntrySideFor(t *testing.T) {
	if types.EntrySideFor(types.SideLong) != types.OrderSideBuy {
		t.Error("expected LONG to enter with BUY")
	}
	if types.EntrySideFor(types.SideShort) != types.OrderSideSell {
		t.Error("expected SHORT to enter with SELL")
	}
}

func TestAgentFinalWeightClamps(t *testing.T) {
	cases := []struct {
		name       string
		base, perf float64
		want       float64
	}{
		{"within range", 1.0, 1.0, 1.0},
		{"clamped low", 0.5, 0.5, 0.7},
		{"clamped high", 1.5, 1.5, 1.3},
	}
	for _, c := range cases {
		a := types.Agent{
			BaseWeight:            decimal.NewFromFloat(c.base),
			PerformanceMultiplier: decimal.NewFromFloat(c.perf),
		}
		got := a.FinalWeight()
		want := decimal.NewFromFloat(c.want)
		if !got.Equal(want) {
			t.Errorf("%s: FinalWeight() = %s, want %s", c.name, got, want)
		}
	}
}

func TestPositionCloneIsIndependent(t *testing.T) {
	p := &types.Position{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}
	clone := p.Clone()
	p.Quantity = decimal.NewFromInt(2)
	if !clone.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Error("expected clone to be unaffected by later mutation of the original")
	}
}

func TestPositionHasBothLegs(t *testing.T) {
	p := types.Position{}
	if p.HasBothLegs() {
		t.Error("expected no legs on a fresh position")
	}
	p.TPOrderID = "tp1"
	if p.HasBothLegs() {
		t.Error("expected false with only one leg attached")
	}
	p.SLOrderID = "sl1"
	if !p.HasBothLegs() {
		t.Error("expected true once both legs attached")
	}
}

func TestTickerSpread(t *testing.T) {
	ticker := types.Ticker{Price: decimal.NewFromInt(100), BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(101)}
	want := decimal.NewFromFloat(0.02)
	if !ticker.Spread().Equal(want) {
		t.Errorf("Spread() = %s, want %s", ticker.Spread(), want)
	}

	zeroPrice := types.Ticker{}
	if !zeroPrice.Spread().IsZero() {
		t.Error("expected zero spread when price is zero")
	}
}

func TestCircuitBreakerStateActive(t *testing.T) {
	now := time.Now()
	cb := types.CircuitBreakerState{ActiveUntil: now.Add(time.Minute)}
	if !cb.Active(now) {
		t.Error("expected breaker to be active before ActiveUntil")
	}
	if cb.Active(now.Add(2 * time.Minute)) {
		t.Error("expected breaker to be inactive after ActiveUntil")
	}
}
