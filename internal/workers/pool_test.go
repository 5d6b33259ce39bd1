package workers_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/workers"
	"go.uber.org/zap"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(workers.TaskFunc(func() error {
			atomic.AddInt64(&count, 1)
			wg.Done()
			return nil
		}))
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	waitOrTimeout(t, &wg, 2*time.Second)
	if got := atomic.LoadInt64(&count); got != 20 {
		t.Errorf("expected 20 tasks executed, got %d", got)
	}
}

func TestSubmitAfterStopReturnsError(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	p.Stop()

	if err := p.Submit(workers.TaskFunc(func() error { return nil })); err == nil {
		t.Error("expected an error submitting to a stopped pool")
	}
}

func TestSubmitWaitReturnsTaskError(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	wantErr := errBoom
	err := p.SubmitWait(workers.TaskFunc(func() error { return wantErr }))
	if err != wantErr {
		t.Errorf("expected SubmitWait to propagate the task error, got %v", err)
	}
}

func TestCyclePoolConfigSizing(t *testing.T) {
	cfg := workers.CyclePoolConfig(3)
	if cfg.NumWorkers != 3 {
		t.Errorf("expected 3 workers for 3 symbols, got %d", cfg.NumWorkers)
	}
	if cfg.QueueSize != 11 {
		t.Errorf("expected queue size symbolCount+8=11, got %d", cfg.QueueSize)
	}

	capped := workers.CyclePoolConfig(20)
	if capped.NumWorkers != 8 {
		t.Errorf("expected worker count capped at 8, got %d", capped.NumWorkers)
	}

	floor := workers.CyclePoolConfig(0)
	if floor.NumWorkers != 1 {
		t.Errorf("expected worker count floored at 1, got %d", floor.NumWorkers)
	}
}

var errBoom = errorString("boom")

type errorString string

func (e errorString) Error() string { return string(e) }

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
