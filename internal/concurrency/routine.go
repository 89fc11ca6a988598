package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo launches fn on its own goroutine and keeps a panic in fn from
// taking the process down. Long-lived loops (the sync engine's task
// dispatch, the delivery consumer) run under it so one bad payload never
// kills the daemon. onPanic, when non-nil, runs after the recovery log and
// receives the recovered value; fn's own defers have already run by then.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			slog.Error("Background goroutine panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			if onPanic != nil {
				onPanic(r)
			}
		}()
		fn()
	}()
}
