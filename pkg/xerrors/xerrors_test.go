package xerrors_test

import (
	"testing"

	"github.com/atlas-desktop/perpsentinel/pkg/xerrors"
)

func TestLookupKnownCodes(t *testing.T) {
	cases := []struct {
		code   int
		policy xerrors.Policy
	}{
		{-2019, xerrors.PolicySkipNoRetry},
		{-2021, xerrors.PolicyRetryOnce},
		{-1106, xerrors.PolicyFallbackRetry},
		{-2011, xerrors.PolicyTreatAsCancelled},
		{-4164, xerrors.PolicyTreatAsSuccess},
		{-2010, xerrors.PolicySkipThrottle},
		{429, xerrors.PolicyBackoff},
	}
	for _, c := range cases {
		m, ok := xerrors.Lookup(c.code)
		if !ok {
			t.Fatalf("code %d not found in table", c.code)
		}
		if m.Policy != c.policy {
			t.Errorf("code %d: expected policy %s, got %s", c.code, c.policy, m.Policy)
		}
	}
}

func TestLookupUnknownCode(t *testing.T) {
	if _, ok := xerrors.Lookup(-9999); ok {
		t.Error("expected unknown code to be absent from table")
	}
}

func TestClassifyMappedVsTransient(t *testing.T) {
	mapped := &xerrors.VenueError{Code: -2019, Message: "Margin insufficient"}
	if xerrors.Classify(mapped) != xerrors.KindMappedExchange {
		t.Error("expected mapped code to classify as KindMappedExchange")
	}

	transient := &xerrors.VenueError{Code: -1021, Message: "Timestamp outside recvWindow"}
	if xerrors.Classify(transient) != xerrors.KindTransientTransport {
		t.Error("expected unmapped code to classify as KindTransientTransport")
	}
}

func TestVenueErrorMessage(t *testing.T) {
	err := &xerrors.VenueError{Code: -2019, Message: "Margin insufficient"}
	want := "exchange error -2019: Margin insufficient"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestInvariantErrorMessages(t *testing.T) {
	if (&xerrors.ErrEntryUnconfirmed{Symbol: "BTCUSDT"}).Error() == "" {
		t.Error("expected non-empty message")
	}
	if (&xerrors.ErrInvalidTpslGeometry{Symbol: "BTCUSDT", Side: "LONG", TP: "100", SL: "90"}).Error() == "" {
		t.Error("expected non-empty message")
	}
	if (&xerrors.ErrTpslIncomplete{Symbol: "BTCUSDT"}).Error() == "" {
		t.Error("expected non-empty message")
	}
	if (&xerrors.ErrBelowMinimum{Symbol: "BTCUSDT"}).Error() == "" {
		t.Error("expected non-empty message")
	}
}
