package syncloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okanishi/kakehashi/internal/concurrency"
	"github.com/okanishi/kakehashi/internal/errors"
)

// TaskFunc is one synchronization task. A returned error is logged and the
// task runs again at its next scheduled time; it never stops the engine or
// the other tasks.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	schedule cron.Schedule
	fn       TaskFunc

	mu      sync.Mutex
	nextRun time.Time
	running bool
	lastErr error
	lastRun time.Time
}

// Engine drives the registered tasks on their cron schedules. Tasks run on a
// bounded worker pool; a task that is still running when its next fire time
// arrives is skipped for that tick.
type Engine struct {
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	ticker  *time.Ticker
	tasks   []*task

	inFlight sync.WaitGroup
	workers  chan struct{}

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewEngine(workers int, tickInterval, shutdownTimeout time.Duration) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		workers:         make(chan struct{}, workers),
		tickInterval:    tickInterval,
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}
}

// Register adds a task under a standard 5-field cron spec (descriptors like
// @every 30s are accepted too). Registration must happen before Start.
func (e *Engine) Register(name, scheduleSpec string, fn TaskFunc) error {
	schedule, err := cron.ParseStandard(scheduleSpec)
	if err != nil {
		return fmt.Errorf("parse schedule for task %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.Internal("cannot register task while engine is running")
	}
	for _, t := range e.tasks {
		if t.name == name {
			return errors.InvalidInput("duplicate task name " + name)
		}
	}

	e.tasks = append(e.tasks, &task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(e.now()),
	})
	return nil
}

func (e *Engine) Init(ctx context.Context) error {
	// Detached from the caller's cancellation on purpose: a daemon signal
	// must not abort in-flight tasks mid-call. Only Stop cancels the task
	// context, and only after the grace period has elapsed.
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	slog.Info("Sync engine initialized", "tasks", len(e.tasks), "workers", cap(e.workers))
	return nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.ticker = time.NewTicker(e.tickInterval)

	go e.run()

	slog.Info("Sync engine started")
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.ticker != nil {
		e.ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		slog.Info("Sync engine stopped gracefully")
		return nil
	case <-time.After(e.shutdownTimeout):
		e.cancel()
		slog.Warn("Sync engine shutdown timeout, cancelling in-flight tasks")
		return errors.Internal("shutdown timeout")
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Engine) Health(ctx context.Context) error {
	if e.ctx == nil {
		return errors.Internal("sync engine not initialized")
	}
	if !e.IsRunning() {
		return errors.Internal("sync engine not running")
	}
	return nil
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// TaskStatus is a point-in-time view of one task, for diagnostics.
type TaskStatus struct {
	Name    string
	Running bool
	NextRun time.Time
	LastRun time.Time
	LastErr error
}

func (e *Engine) Status() []TaskStatus {
	e.mu.RLock()
	tasks := append([]*task(nil), e.tasks...)
	e.mu.RUnlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, TaskStatus{
			Name:    t.name,
			Running: t.running,
			NextRun: t.nextRun,
			LastRun: t.lastRun,
			LastErr: t.lastErr,
		})
		t.mu.Unlock()
	}
	return out
}

func (e *Engine) run() {
	for {
		select {
		case <-e.ticker.C:
			e.onTick()
		case <-e.ctx.Done():
			slog.Info("Sync engine run loop stopped")
			return
		}
	}
}

func (e *Engine) onTick() {
	now := e.now()

	e.mu.RLock()
	tasks := append([]*task(nil), e.tasks...)
	e.mu.RUnlock()

	for _, t := range tasks {
		t.mu.Lock()
		due := !t.nextRun.After(now)
		if due && t.running {
			// Still busy from the previous fire; the schedule advances so
			// the task is not re-fired the instant it finishes.
			t.nextRun = t.schedule.Next(now)
			t.mu.Unlock()
			slog.Warn("Task still running, skipping fire", "task", t.name)
			continue
		}
		if due {
			t.running = true
			t.nextRun = t.schedule.Next(now)
		}
		t.mu.Unlock()

		if due {
			e.dispatch(t)
		}
	}
}

func (e *Engine) dispatch(t *task) {
	e.inFlight.Add(1)

	concurrency.SafeGo(func() {
		defer e.inFlight.Done()
		defer func() {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
		}()

		select {
		case e.workers <- struct{}{}:
			defer func() { <-e.workers }()
		case <-e.ctx.Done():
			return
		}

		started := e.now()
		err := t.fn(e.ctx)

		t.mu.Lock()
		t.lastRun = started
		t.lastErr = err
		t.mu.Unlock()

		if err != nil {
			slog.Error("Sync task failed", "task", t.name, "error", err)
			return
		}
		slog.Debug("Sync task completed", "task", t.name, "duration", e.now().Sub(started))
	}, func(r interface{}) {
		slog.Error("Sync task panicked", "task", t.name, "panic", r)
	})
}
