// Package regime classifies the current volatility regime from the
// dual-ATR ratio (component 4.C), replacing the teacher's HMM-based
// detector (internal/regime/detector.go in the source pack) with the
// fixed-band classifier spec.md requires. The teacher's config-struct +
// Classify-method shape is kept.
package regime

import (
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

// Band is the tagged regime classification.
type Band string

const (
	BandExtreme Band = "EXTREME"
	BandHigh    Band = "HIGH"
	BandNormal  Band = "NORMAL"
	BandLow     Band = "LOW"
)

// Classification is the full output of classifying one snapshot.
type Classification struct {
	Band             Band
	VR               decimal.Decimal
	ConfidenceDelta  decimal.Decimal
	SizeMultiplier   decimal.Decimal
	TPAtrMultiplier  decimal.Decimal
	SLAtrMultiplier  decimal.Decimal
	SkipEntry        bool
}

var (
	extremeThreshold = decimal.NewFromFloat(1.8)
	highThreshold    = decimal.NewFromFloat(1.2)
	lowVRThreshold   = decimal.NewFromFloat(0.5)
	lowATRPctThreshold = decimal.NewFromFloat(0.002) // 0.2%
)

// Classify computes VR = ATR_fast/ATR_slow and ATR_pct = ATR_fast/price,
// then maps to the fixed bands and multipliers in spec.md §4.C.
func Classify(snap types.MarketSnapshot) Classification {
	if snap.ATRSlow.IsZero() {
		return Classification{Band: BandNormal, VR: decimal.Zero, SizeMultiplier: decimal.NewFromInt(1),
			TPAtrMultiplier: decimal.NewFromFloat(2.2), SLAtrMultiplier: decimal.NewFromFloat(1.1)}
	}
	vr := snap.ATRFast.Div(snap.ATRSlow)

	var atrPct decimal.Decimal
	if !snap.Price.IsZero() {
		atrPct = snap.ATRFast.Div(snap.Price)
	}

	switch {
	case vr.GreaterThanOrEqual(extremeThreshold):
		return Classification{
			Band: BandExtreme, VR: vr,
			SizeMultiplier:  decimal.Zero,
			TPAtrMultiplier: decimal.NewFromFloat(2.5),
			SLAtrMultiplier: decimal.NewFromFloat(1.25),
			SkipEntry:       true,
		}
	case vr.GreaterThanOrEqual(highThreshold):
		return Classification{
			Band: BandHigh, VR: vr,
			ConfidenceDelta: decimal.NewFromFloat(-0.03),
			SizeMultiplier:  decimal.NewFromFloat(0.75),
			TPAtrMultiplier: decimal.NewFromFloat(2.5),
			SLAtrMultiplier: decimal.NewFromFloat(1.25),
		}
	case vr.LessThan(lowVRThreshold) && atrPct.LessThan(lowATRPctThreshold):
		return Classification{
			Band: BandLow, VR: vr,
			SizeMultiplier:  decimal.Zero,
			TPAtrMultiplier: decimal.NewFromFloat(2.2),
			SLAtrMultiplier: decimal.NewFromFloat(1.1),
			SkipEntry:       true,
		}
	default:
		return Classification{
			Band: BandNormal, VR: vr,
			SizeMultiplier:  decimal.NewFromInt(1),
			TPAtrMultiplier: decimal.NewFromFloat(2.2),
			SLAtrMultiplier: decimal.NewFromFloat(1.1),
		}
	}
}
