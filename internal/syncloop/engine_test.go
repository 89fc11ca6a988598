package syncloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okanishi/kakehashi/internal/errors"
)

func newTestEngine(workers int) *Engine {
	return NewEngine(workers, 10*time.Millisecond, time.Second)
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop(context.Background())
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngine_ComponentLifecycle(t *testing.T) {
	e := newTestEngine(2)
	ctx := context.Background()

	if err := e.Health(ctx); err == nil {
		t.Error("Health should fail before Init")
	}

	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !e.IsRunning() {
		t.Error("Engine should be running after Start")
	}
	if err := e.Health(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Errorf("Second Start should be a no-op: %v", err)
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if e.IsRunning() {
		t.Error("Engine should not be running after Stop")
	}
	if err := e.Stop(ctx); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
}

func TestEngine_RegisterValidation(t *testing.T) {
	e := newTestEngine(1)

	if err := e.Register("poll", "@every 1s", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := e.Register("poll", "@every 1s", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Duplicate task name should be rejected")
	}

	if err := e.Register("bad", "not a schedule", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Invalid schedule should be rejected")
	}

	startEngine(t, e)
	if err := e.Register("late", "@every 1s", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Register after Start should be rejected")
	}
}

func TestEngine_RunsDueTasks(t *testing.T) {
	e := newTestEngine(2)

	var runs atomic.Int32
	if err := e.Register("tick", "@every 10ms", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	startEngine(t, e)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestEngine_FailureIsolation(t *testing.T) {
	e := newTestEngine(2)

	var goodRuns, badRuns atomic.Int32
	if err := e.Register("bad", "@every 10ms", func(ctx context.Context) error {
		badRuns.Add(1)
		return errors.Transient("upstream down")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := e.Register("good", "@every 10ms", func(ctx context.Context) error {
		goodRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	startEngine(t, e)

	// The failing task keeps firing and never takes the healthy one down.
	waitFor(t, 2*time.Second, func() bool {
		return goodRuns.Load() >= 2 && badRuns.Load() >= 2
	})

	statuses := e.Status()
	var sawBadErr bool
	for _, s := range statuses {
		if s.Name == "bad" && s.LastErr != nil {
			sawBadErr = true
		}
		if s.Name == "good" && s.LastErr != nil {
			t.Errorf("Healthy task should have nil LastErr, got %v", s.LastErr)
		}
	}
	if !sawBadErr {
		t.Error("Failing task should surface its last error in Status")
	}
}

func TestEngine_SkipsOverlappingFire(t *testing.T) {
	e := newTestEngine(2)

	var concurrent, maxConcurrent atomic.Int32
	block := make(chan struct{})
	var once sync.Once

	if err := e.Register("slow", "@every 10ms", func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		once.Do(func() {
			select {
			case <-block:
			case <-time.After(500 * time.Millisecond):
			}
		})
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	startEngine(t, e)

	// Let several fire times pass while the first run is still blocked.
	time.Sleep(100 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if maxConcurrent.Load() > 1 {
		t.Errorf("Task overlapped itself, max concurrency %d", maxConcurrent.Load())
	}
}

func TestEngine_PanicDoesNotKillEngine(t *testing.T) {
	e := newTestEngine(2)

	var panics, survivorRuns atomic.Int32
	if err := e.Register("panicky", "@every 10ms", func(ctx context.Context) error {
		panics.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := e.Register("survivor", "@every 10ms", func(ctx context.Context) error {
		survivorRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	startEngine(t, e)

	waitFor(t, 2*time.Second, func() bool {
		return panics.Load() >= 2 && survivorRuns.Load() >= 2
	})

	if !e.IsRunning() {
		t.Error("Engine should survive task panics")
	}
}

func TestEngine_WorkerPoolBound(t *testing.T) {
	e := newTestEngine(1)

	var concurrent, maxConcurrent atomic.Int32
	task := func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := e.Register(name, "@every 10ms", task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	startEngine(t, e)
	time.Sleep(200 * time.Millisecond)

	if maxConcurrent.Load() > 1 {
		t.Errorf("Worker pool of 1 allowed %d concurrent tasks", maxConcurrent.Load())
	}
}

func TestEngine_StopWaitsForInFlight(t *testing.T) {
	e := newTestEngine(2)

	var finished atomic.Bool
	started := make(chan struct{})
	if err := e.Register("slow", "@every 10ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-started
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Stop should wait for the in-flight task to finish")
	}
}

func TestEngine_ParentCancelDoesNotAbortTasks(t *testing.T) {
	e := newTestEngine(1)

	started := make(chan struct{})
	release := make(chan struct{})
	var aborted atomic.Bool
	if err := e.Register("long-call", "@every 10ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			aborted.Store(true)
			return ctx.Err()
		case <-release:
			return nil
		}
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	parent, cancel := context.WithCancel(context.Background())
	if err := e.Init(parent); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := e.Start(parent); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-started
	cancel()

	// The daemon signal context going away must leave the in-flight call
	// running until Stop's grace period handles it.
	time.Sleep(50 * time.Millisecond)
	if aborted.Load() {
		t.Fatal("in-flight task was cancelled by the parent context")
	}

	close(release)
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if aborted.Load() {
		t.Error("task should have completed without cancellation")
	}
}

func TestEngine_StopGracePeriodCancelsStuckTasks(t *testing.T) {
	e := NewEngine(1, 10*time.Millisecond, 50*time.Millisecond)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	if err := e.Register("stuck", "@every 10ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
			return nil
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-started
	if err := e.Stop(ctx); err == nil {
		t.Error("Stop should report the exceeded grace period")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("stuck task was never cancelled after the grace period")
	}
}
