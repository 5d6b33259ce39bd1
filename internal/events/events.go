// Package events is the process-wide structured event backbone: every
// component that needs to surface something to loggers/notifiers/the
// health surface (spec §7 "structured events stream to loggers and
// optional notifier") publishes through here instead of calling a
// logger directly. Adapted from the teacher's internal/events/event_bus.go
// (goroutine worker pool + pub/sub shape), trimmed to the throughput this
// control plane actually needs — a handful of events per cycle, not
// market-data tick volume.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type is the tagged event category. Names match the structured events
// spec.md names explicitly (CycleTimeout, EquityDrift, ReattachSkipped-Margin,
// InvalidTpslGeometry, EntryUnconfirmed, TpslIncomplete, BelowMinimum,
// PositionClosedExternally) plus the breaker/kill-switch trips §4.G/§4.H
// require to be observable.
type Type string

const (
	TypeCycleTimeout           Type = "CycleTimeout"
	TypeEquityDrift            Type = "EquityDrift"
	TypeReattachSkippedMargin  Type = "ReattachSkipped-Margin"
	TypeInvalidTpslGeometry    Type = "InvalidTpslGeometry"
	TypeEntryUnconfirmed       Type = "EntryUnconfirmed"
	TypeTpslIncomplete         Type = "TpslIncomplete"
	TypeBelowMinimum           Type = "BelowMinimum"
	TypePositionClosedExternal Type = "PositionClosedExternally"
	TypeBreakerTripped         Type = "BreakerTripped"
	TypeKillSwitchTripped      Type = "KillSwitchTripped"
	TypeExitFailureManual      Type = "ExitFailure-Manual"
	TypeOutcomeRecorded        Type = "OutcomeRecorded"
)

// Severity mirrors spec §7's "high-severity event" language for
// invariant violations versus routine informational events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one structured record. Fields is a free-form payload (symbol,
// reason, values) kept loosely typed since consumers are CSV/notifier
// sinks, not strongly-typed business logic (spec §1: "their internals are
// irrelevant").
type Event struct {
	ID        string
	Type      Type
	Severity  Severity
	Symbol    string
	Message   string
	Fields    map[string]any
	Timestamp time.Time
}

// Handler processes one event. Handlers must not block the bus for long;
// slow handlers (CSV flush, notifier POST) should queue internally.
type Handler func(Event)

// Bus is a small async pub/sub dispatcher. One Bus instance is shared
// process-wide; the orchestrator, monitors and order manager all publish
// through the same instance so nothing short-circuits the audit trail.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler

	queue  chan Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config controls the dispatch queue's depth and worker count.
type Config struct {
	QueueSize  int
	NumWorkers int
}

// DefaultConfig is sized for this control plane's actual event rate (a
// handful of structured events per cycle, not tick-level volume).
func DefaultConfig() Config {
	return Config{QueueSize: 1024, NumWorkers: 2}
}

// NewBus constructs and starts a Bus. Call Stop on shutdown to drain.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:   logger.Named("events"),
		handlers: make(map[Type][]Handler),
		queue:    make(chan Event, config.QueueSize),
		cancel:   cancel,
	}
	for i := 0; i < config.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	return b
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.dispatch(e)
				default:
					return
				}
			}
		case e := <-b.queue:
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Type]...)
	all := append([]Handler(nil), b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.safeCall(h, e)
	}
	for _, h := range all {
		b.safeCall(h, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", zap.Any("panic", r), zap.String("type", string(e.Type)))
		}
	}()
	h(e)
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler invoked for every event, used by
// cmd/sentinel to journal events into errors_log.csv.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event for async dispatch, stamping ID/timestamp if
// unset. Drops (with a local log, never a panic) if the queue is full —
// an overloaded event bus must never back-pressure the trading loop.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn("event dropped, queue full", zap.String("type", string(e.Type)))
	}
}

// Stop drains in-flight events and stops all workers.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
