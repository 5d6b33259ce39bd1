package orders_test

import (
	"testing"

	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

func TestTPSLPricesLongValidGeometry(t *testing.T) {
	tp, sl, err := orders.TPSLPrices(types.SideLong, dec(100), dec(0.1), dec(0.05))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tp.GreaterThan(dec(100)) || !dec(100).GreaterThan(sl) {
		t.Errorf("expected tp > entry > sl for LONG, got tp=%s entry=100 sl=%s", tp, sl)
	}
}

func TestTPSLPricesShortValidGeometry(t *testing.T) {
	tp, sl, err := orders.TPSLPrices(types.SideShort, dec(100), dec(0.1), dec(0.05))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tp.LessThan(dec(100)) || !dec(100).LessThan(sl) {
		t.Errorf("expected tp < entry < sl for SHORT, got tp=%s entry=100 sl=%s", tp, sl)
	}
}

func TestTPSLPricesLongInvalidGeometry(t *testing.T) {
	// a negative tpFrac flips the TP below entry, violating tp > entry for LONG.
	_, _, err := orders.TPSLPrices(types.SideLong, dec(100), dec(-0.1), dec(0.05))
	if err == nil {
		t.Fatal("expected an invalid-geometry error")
	}
}

func TestTPSLPricesShortInvalidGeometry(t *testing.T) {
	_, _, err := orders.TPSLPrices(types.SideShort, dec(100), dec(-0.1), dec(0.05))
	if err == nil {
		t.Fatal("expected an invalid-geometry error")
	}
}

func TestTPSLPricesHoldReturnsError(t *testing.T) {
	_, _, err := orders.TPSLPrices(types.SideHold, dec(100), dec(0.1), dec(0.05))
	if err == nil {
		t.Fatal("expected an error for a non-directional side")
	}
}

func TestTPSLPricesZeroFractionsStillValid(t *testing.T) {
	// zero fractions collapse tp/sl onto entry, which fails the strict
	// inequality check on both sides - this should error, not silently pass.
	_, _, err := orders.TPSLPrices(types.SideLong, dec(100), decimal.Zero, decimal.Zero)
	if err == nil {
		t.Fatal("expected an error when tp/sl collapse onto entry")
	}
}
