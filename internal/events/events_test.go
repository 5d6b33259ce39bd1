package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/events"
	"go.uber.org/zap"
)

func TestPublishDispatchesToTypedSubscriber(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	received := make(chan events.Event, 1)
	bus.Subscribe(events.TypeEquityDrift, func(e events.Event) {
		received <- e
	})

	bus.Publish(events.Event{Type: events.TypeEquityDrift, Symbol: "BTCUSDT", Message: "drift"})

	select {
	case e := <-received:
		if e.Symbol != "BTCUSDT" {
			t.Errorf("expected symbol BTCUSDT, got %s", e.Symbol)
		}
		if e.ID == "" {
			t.Error("expected an auto-assigned event ID")
		}
		if e.Timestamp.IsZero() {
			t.Error("expected an auto-assigned timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var seen []events.Type
	bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	bus.Publish(events.Event{Type: events.TypeCycleTimeout})
	bus.Publish(events.Event{Type: events.TypeBelowMinimum})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 events dispatched to the catch-all subscriber, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandlerPanicDoesNotCrashDispatch(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	recovered := make(chan struct{}, 1)
	bus.Subscribe(events.TypeCycleTimeout, func(e events.Event) {
		panic("boom")
	})
	bus.Subscribe(events.TypeCycleTimeout, func(e events.Event) {
		recovered <- struct{}{}
	})

	bus.Publish(events.Event{Type: events.TypeCycleTimeout})

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the second handler to still run despite the first panicking")
	}
}

func TestPublishNeverBlocksEvenWithATinyQueue(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.Config{QueueSize: 1, NumWorkers: 1})
	defer bus.Stop()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(events.Event{Type: events.TypeCycleTimeout})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Publish to never block regardless of queue pressure")
	}
}
