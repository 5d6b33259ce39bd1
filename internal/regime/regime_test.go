package regime_test

import (
	"testing"

	"github.com/atlas-desktop/perpsentinel/internal/regime"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestClassifyBands(t *testing.T) {
	cases := []struct {
		name     string
		atrFast  float64
		atrSlow  float64
		price    float64
		wantBand regime.Band
		wantSkip bool
	}{
		{"extreme volatility", 2.0, 1.0, 100, regime.BandExtreme, true},
		{"high volatility", 1.3, 1.0, 100, regime.BandHigh, false},
		{"normal volatility", 1.0, 1.0, 100, regime.BandNormal, false},
		{"low volatility and low atr pct", 0.3, 1.0, 1000, regime.BandLow, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			snap := types.MarketSnapshot{ATRFast: dec(c.atrFast), ATRSlow: dec(c.atrSlow), Price: dec(c.price)}
			got := regime.Classify(snap)
			if got.Band != c.wantBand {
				t.Errorf("Band = %s, want %s", got.Band, c.wantBand)
			}
			if got.SkipEntry != c.wantSkip {
				t.Errorf("SkipEntry = %v, want %v", got.SkipEntry, c.wantSkip)
			}
		})
	}
}

func TestClassifyLowVRButNotLowATRPctStaysNormal(t *testing.T) {
	// VR below the low threshold but ATR-as-fraction-of-price still high:
	// the LOW band requires both conditions, so this should fall through
	// to NORMAL instead.
	snap := types.MarketSnapshot{ATRFast: dec(3), ATRSlow: dec(10), Price: dec(100)}
	got := regime.Classify(snap)
	if got.Band != regime.BandNormal {
		t.Errorf("expected NORMAL when only VR is low, got %s", got.Band)
	}
}

func TestClassifyZeroATRSlowDefaultsToNormal(t *testing.T) {
	snap := types.MarketSnapshot{ATRFast: dec(1), ATRSlow: decimal.Zero, Price: dec(100)}
	got := regime.Classify(snap)
	if got.Band != regime.BandNormal {
		t.Errorf("expected NORMAL fallback with zero ATRSlow, got %s", got.Band)
	}
	if got.SkipEntry {
		t.Error("expected SkipEntry false on the zero-ATRSlow fallback")
	}
}

func TestHighBandAppliesNegativeConfidenceDelta(t *testing.T) {
	snap := types.MarketSnapshot{ATRFast: dec(1.5), ATRSlow: dec(1), Price: dec(100)}
	got := regime.Classify(snap)
	if !got.ConfidenceDelta.Equal(dec(-0.03)) {
		t.Errorf("expected HIGH band confidence delta -0.03, got %s", got.ConfidenceDelta)
	}
	if !got.SizeMultiplier.Equal(dec(0.75)) {
		t.Errorf("expected HIGH band size multiplier 0.75, got %s", got.SizeMultiplier)
	}
}
