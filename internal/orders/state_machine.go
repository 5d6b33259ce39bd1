package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

// StateMachine enforces the per-position lifecycle transitions, the exit
// debounce, and TP/SL hash dedup (component 4.J). One StateMachine
// instance is shared process-wide; all mutation happens under its lock,
// matching spec §5's single-writer rule for position records.
type StateMachine struct {
	mu         sync.Mutex
	positions  map[string]*types.Position // key: symbol+"|"+side
	exitAttempt map[string]time.Time       // key: position key
	activeHash  map[string]string          // key: position key -> active tpsl hash
}

// NewStateMachine constructs an empty StateMachine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		positions:   make(map[string]*types.Position),
		exitAttempt: make(map[string]time.Time),
		activeHash:  make(map[string]string),
	}
}

func key(symbol string, side types.Side) string {
	return symbol + "|" + string(side)
}

// Get returns a snapshot of the position for (symbol, side), if any.
func (s *StateMachine) Get(symbol string, side types.Side) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key(symbol, side)]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// All returns snapshots of every tracked position, for the Live Monitor
// and Sentinel polling loops.
func (s *StateMachine) All() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Open registers a newly confirmed entry as state=OPEN. It is called from
// the entry protocol; no per-symbol lock is held, and s.mu guards only the
// position map.
func (s *StateMachine) Open(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.State = types.PositionOpen
	cp := p
	s.positions[key(p.Symbol, p.Side)] = &cp
}

// PromoteToMonitoring transitions OPEN -> MONITORING once both TP and SL
// are acknowledged.
func (s *StateMachine) PromoteToMonitoring(symbol string, side types.Side, tpID, slID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key(symbol, side)]
	if !ok {
		return
	}
	p.TPOrderID = tpID
	p.SLOrderID = slID
	p.TPSLHash = hash
	if p.State == types.PositionOpen {
		p.State = types.PositionMonitoring
	}
	s.activeHash[key(symbol, side)] = hash
}

// SetLegs updates TP/SL order IDs without forcing a state transition;
// empty arguments leave the current value. Used by
// Manager.MoveStopToBreakeven to swap in the new stop leg; the Sentinel
// re-attach path goes through AttachTPSL/PromoteToMonitoring instead.
func (s *StateMachine) SetLegs(symbol string, side types.Side, tpID, slID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key(symbol, side)]
	if !ok {
		return
	}
	if tpID != "" {
		p.TPOrderID = tpID
	}
	if slID != "" {
		p.SLOrderID = slID
	}
	if hash != "" {
		p.TPSLHash = hash
		s.activeHash[key(symbol, side)] = hash
	}
}

// BeginClosing transitions OPEN/MONITORING -> CLOSING. Returns false if
// the transition is not legal from the current state (already closing or
// closed).
func (s *StateMachine) BeginClosing(symbol string, side types.Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key(symbol, side)]
	if !ok {
		return false
	}
	if p.State != types.PositionOpen && p.State != types.PositionMonitoring {
		return false
	}
	p.State = types.PositionClosing
	return true
}

// Close removes the position from active tracking; the CLOSED state is not
// stored. It checks nothing at the venue itself: Manager.Close calls it
// once the reduce-only close order is accepted, without waiting for a zero
// venue size, and the orchestrator calls it when the Live Monitor sees one.
func (s *StateMachine) Close(symbol string, side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(symbol, side)
	delete(s.positions, k)
	delete(s.exitAttempt, k)
	delete(s.activeHash, k)
}

// MarkPartialDone flips partial_close_done to true; a no-op if already
// set, enforcing "at most one partial per position" (spec testable
// property 4).
func (s *StateMachine) MarkPartialDone(symbol string, side types.Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key(symbol, side)]
	if !ok || p.PartialCloseDone {
		return false
	}
	p.PartialCloseDone = true
	return true
}

// IsExitAllowed enforces the 5s exit debounce (spec §4.J).
func (s *StateMachine) IsExitAllowed(symbol string, side types.Side, now time.Time, debounce time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(symbol, side)
	last, ok := s.exitAttempt[k]
	if ok && now.Sub(last) < debounce {
		return false
	}
	return true
}

// RecordExitAttempt stores the timestamp of an exit attempt for the
// debounce window.
func (s *StateMachine) RecordExitAttempt(symbol string, side types.Side, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitAttempt[key(symbol, side)] = now
}

// GenerateTPSLHash digests (symbol, side, rounded_tp, rounded_sl) per
// spec §3's TP/SL Hash entity.
func GenerateTPSLHash(symbol string, side types.Side, tp, sl decimal.Decimal) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", symbol, side, tp.StringFixed(8), sl.StringFixed(8))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsTPSLDuplicate reports whether hash already matches the active hash
// for (symbol, side) — duplicate suppression (spec §4.I step 7).
func (s *StateMachine) IsTPSLDuplicate(symbol string, side types.Side, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeHash[key(symbol, side)] == hash
}
