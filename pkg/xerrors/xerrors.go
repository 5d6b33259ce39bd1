// Package xerrors is the single source of truth for exchange error-code
// mapping and the protocol/invariant error kinds raised by the control
// plane. Per the design note in spec.md §9 ("error-code table is the
// source of truth... keep it in one place"), no call site maintains its
// own copy of this table.
package xerrors

import "fmt"

// Kind classifies an error for the propagation policy in spec.md §7. It is
// not an exception type name — callers switch on Kind, not on error
// identity, to decide whether to retry, escalate or fail fast.
type Kind string

const (
	KindTransientTransport Kind = "transient_transport" // timeout, 5xx, unmapped codes -> retry with backoff
	KindMappedExchange     Kind = "mapped_exchange"      // -2019 etc -> policy table below, never blind-retry
	KindInvariantViolation Kind = "invariant_violation"  // InvalidTpslGeometry, EntryUnconfirmed, TpslIncomplete
	KindDataStaleness      Kind = "data_staleness"        // indicator cache stale past hard threshold
	KindConsistencyDrift   Kind = "consistency_drift"     // EquityDrift, orphan venue positions
	KindConfiguration      Kind = "configuration"         // missing credentials etc -> fail fast before loop starts
)

// Policy is the action the caller must take for a mapped exchange code.
type Policy string

const (
	PolicySkipNoRetry      Policy = "skip_no_retry"       // emit event, do not retry
	PolicyRetryOnce        Policy = "retry_once"          // retry once after a short delay
	PolicyFallbackRetry    Policy = "fallback_retry"      // retry once with the fallback order mode
	PolicyTreatAsCancelled Policy = "treat_as_cancelled"  // unknown order -> already cancelled/filled
	PolicyTreatAsSuccess   Policy = "treat_as_success"    // duplicate reduce-only -> success
	PolicySkipThrottle     Policy = "skip_throttle"       // max open orders -> skip, throttle window
	PolicyBackoff          Policy = "backoff"             // 429 -> retried with the gateway's exponential backoff (Retry-After is not read)
)

// MappedError describes one authoritative exchange error code (spec §6).
type MappedError struct {
	Code    int
	Meaning string
	Policy  Policy
}

// mappedErrors is the authoritative table. Every call site that receives a
// venue error code consults this via Lookup — none maintains its own copy.
var mappedErrors = map[int]MappedError{
	-2019: {-2019, "Margin insufficient", PolicySkipNoRetry},
	-2021: {-2021, "Would immediately trigger / timing", PolicyRetryOnce},
	-1106: {-1106, "reduceOnly sent when not required", PolicyFallbackRetry},
	-2011: {-2011, "Unknown order", PolicyTreatAsCancelled},
	-4164: {-4164, "Duplicate reduce-only order", PolicyTreatAsSuccess},
	-2010: {-2010, "Max open orders", PolicySkipThrottle},
	429:   {429, "Rate limited", PolicyBackoff},
}

// Lookup returns the mapped policy for a venue error code, and whether the
// code is recognized at all. Unrecognized codes fall back to transient
// transport handling by the caller.
func Lookup(code int) (MappedError, bool) {
	m, ok := mappedErrors[code]
	return m, ok
}

// VenueError wraps a raw exchange error code so downstream components can
// switch on Kind without parsing strings.
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// Classify returns the Kind for a VenueError: mapped if the code is in the
// table, otherwise transient transport (caller retries with backoff).
func Classify(err *VenueError) Kind {
	if _, ok := Lookup(err.Code); ok {
		return KindMappedExchange
	}
	return KindTransientTransport
}

// Invariant errors. These are plain struct pointer types, matched with
// errors.As or a type assertion, and carry the position/symbol for logging.

// ErrEntryUnconfirmed is raised when wait_for_position_confirmation times
// out; no TP/SL attach is attempted.
type ErrEntryUnconfirmed struct{ Symbol string }

func (e *ErrEntryUnconfirmed) Error() string {
	return fmt.Sprintf("entry unconfirmed for %s", e.Symbol)
}

// ErrInvalidTpslGeometry is raised when a computed TP/SL pair fails the
// direction invariant; the caller must close the position immediately.
type ErrInvalidTpslGeometry struct {
	Symbol string
	Side   string
	TP, SL string
}

func (e *ErrInvalidTpslGeometry) Error() string {
	return fmt.Sprintf("invalid tp/sl geometry for %s %s: tp=%s sl=%s", e.Symbol, e.Side, e.TP, e.SL)
}

// ErrTpslIncomplete is raised when one leg of TP/SL could not be verified
// after a retry; the position is promoted to MONITORING for the Sentinel.
type ErrTpslIncomplete struct{ Symbol string }

func (e *ErrTpslIncomplete) Error() string {
	return fmt.Sprintf("tp/sl incomplete for %s", e.Symbol)
}

// ErrBelowMinimum is raised when a rounded exit quantity/notional falls
// below the exchange's minimum.
type ErrBelowMinimum struct{ Symbol string }

func (e *ErrBelowMinimum) Error() string {
	return fmt.Sprintf("below minimum for %s", e.Symbol)
}
