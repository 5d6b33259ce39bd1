package arbitration_test

import (
	"testing"

	"github.com/atlas-desktop/perpsentinel/internal/arbitration"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func unitWeight(string) decimal.Decimal { return dec(1) }

func decision(agentID string, side types.Side, normalized float64) types.Decision {
	return types.Decision{AgentID: agentID, RawSignal: side, NormalizedConfidence: dec(normalized)}
}

func TestArbitratePicksHighestScore(t *testing.T) {
	decisions := []types.Decision{
		decision("a1", types.SideLong, 0.9),
		decision("a2", types.SideShort, 0.2),
	}
	intent := arbitration.Arbitrate("BTCUSDT", 1, decisions, unitWeight)
	if intent.Side != types.SideLong {
		t.Errorf("expected LONG to win, got %s", intent.Side)
	}
	if intent.Conflict {
		t.Error("expected no conflict with a clear winner")
	}
}

func TestArbitrateDetectsConflictWithinBand(t *testing.T) {
	decisions := []types.Decision{
		decision("a1", types.SideLong, 0.52),
		decision("a2", types.SideShort, 0.5),
	}
	intent := arbitration.Arbitrate("BTCUSDT", 1, decisions, unitWeight)
	if !intent.Conflict {
		t.Error("expected conflict when LONG/SHORT scores are within the 0.15x band")
	}
	if intent.Side != types.SideHold {
		t.Errorf("expected conflicting scores to resolve to HOLD, got %s", intent.Side)
	}
}

func TestArbitrateNoConflictWhenScoresFarApart(t *testing.T) {
	decisions := []types.Decision{
		decision("a1", types.SideLong, 0.9),
		decision("a2", types.SideShort, 0.3),
	}
	intent := arbitration.Arbitrate("BTCUSDT", 1, decisions, unitWeight)
	if intent.Conflict {
		t.Error("expected no conflict when scores are far apart")
	}
	if intent.Side != types.SideLong {
		t.Errorf("expected LONG to win, got %s", intent.Side)
	}
}

func TestArbitrateTieBreakOrder(t *testing.T) {
	decisions := []types.Decision{
		decision("a1", types.SideLong, 0.5),
		decision("a2", types.SideShort, 0.5),
	}
	// exactly equal scores trip the conflict check first (both > 0 and
	// diff 0 < 0.15x max), so this also resolves to HOLD via conflict —
	// the tie-break path only matters when one side is zero.
	intent := arbitration.Arbitrate("BTCUSDT", 1, decisions, unitWeight)
	if intent.Side != types.SideHold {
		t.Errorf("expected equal LONG/SHORT scores to conflict into HOLD, got %s", intent.Side)
	}
}

func TestArbitrateWeightsContributeToScore(t *testing.T) {
	weightFor := func(agentID string) decimal.Decimal {
		if agentID == "heavy" {
			return dec(5)
		}
		return dec(1)
	}
	decisions := []types.Decision{
		decision("heavy", types.SideShort, 0.3),
		decision("light", types.SideLong, 0.9),
	}
	intent := arbitration.Arbitrate("BTCUSDT", 1, decisions, weightFor)
	if intent.Side != types.SideShort {
		t.Errorf("expected the heavily weighted SHORT decision to win, got %s", intent.Side)
	}
}

func TestNormalizerNoHistoryUsesUnitMultiplier(t *testing.T) {
	n := arbitration.NewNormalizer()
	got := n.Normalize("new-agent", dec(0.8), decimal.Zero)
	want := dec(0.8).Mul(dec(0.5).Add(dec(0.5))) // accuracy defaults to 0.5 -> multiplier 1.0
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestNormalizerAccuracyScalesConfidence(t *testing.T) {
	n := arbitration.NewNormalizer()
	for i := 0; i < 10; i++ {
		n.RecordOutcome("agent", true)
	}
	// accuracy 1.0 -> multiplier (0.5+1.0)=1.5
	got := n.Normalize("agent", dec(0.5), decimal.Zero)
	want := dec(0.5).Mul(dec(1.5))
	if want.GreaterThan(dec(1)) {
		want = dec(1)
	}
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestNormalizerClipsToZeroOneRange(t *testing.T) {
	n := arbitration.NewNormalizer()
	for i := 0; i < 10; i++ {
		n.RecordOutcome("agent", true)
	}
	got := n.Normalize("agent", dec(1.0), decimal.Zero)
	if !got.Equal(dec(1)) {
		t.Errorf("expected normalized confidence clipped to 1, got %s", got)
	}

	lowAcc := arbitration.NewNormalizer()
	for i := 0; i < 10; i++ {
		lowAcc.RecordOutcome("agent", false)
	}
	got = lowAcc.Normalize("agent", dec(0.1), dec(-0.5))
	if got.LessThan(decimal.Zero) {
		t.Errorf("expected normalized confidence floored at zero, got %s", got)
	}
}

func TestNormalizerRollingWindowCaps(t *testing.T) {
	n := arbitration.NewNormalizer()
	for i := 0; i < 15; i++ {
		n.RecordOutcome("agent", false)
	}
	for i := 0; i < 10; i++ {
		n.RecordOutcome("agent", true)
	}
	// only the most recent 20 entries matter; all 10 trues are within
	// that window alongside 10 of the earlier falses.
	got := n.Normalize("agent", dec(1), decimal.Zero)
	// accuracy 10/20 = 0.5 -> multiplier 1.0 (without the cap: 10/25 -> 0.9)
	if !got.Equal(dec(1)) {
		t.Errorf("expected accuracy 0.5 over the last 20 outcomes (multiplier 1.0), got %s", got)
	}
}
