package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Registry owns the enabled adapters and fans lifecycle calls out to them.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	started  bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Pollers returns the adapters that catch up by polling.
func (r *Registry) Pollers() []Poller {
	var out []Poller
	for _, a := range r.Adapters() {
		if p, ok := a.(Poller); ok {
			out = append(out, p)
		}
	}
	return out
}

// Renewers returns the adapters holding expiring upstream leases.
func (r *Registry) Renewers() []Renewer {
	var out []Renewer
	for _, a := range r.Adapters() {
		if ren, ok := a.(Renewer); ok {
			out = append(out, ren)
		}
	}
	return out
}

// Refreshers returns the adapters carrying refreshable credentials.
func (r *Registry) Refreshers() []TokenRefresher {
	var out []TokenRefresher
	for _, a := range r.Adapters() {
		if tr, ok := a.(TokenRefresher); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Senders returns the adapters exposing an egress channel.
func (r *Registry) Senders() []Sender {
	var out []Sender
	for _, a := range r.Adapters() {
		if s, ok := a.(Sender); ok {
			out = append(out, s)
		}
	}
	return out
}

// Start brings up every adapter. A failing adapter is logged and skipped so
// one misconfigured platform does not take the daemon down.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for _, a := range r.Adapters() {
		slog.Info("Starting adapter", "adapter", a.Name())
		if err := a.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Adapter failed to start", "adapter", a.Name(), "error", err)
		}
	}
}

func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	var errs []string
	for _, a := range r.Adapters() {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", a.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop adapters: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Registry) Health(ctx context.Context) error {
	for _, a := range r.Adapters() {
		if err := a.Health(ctx); err != nil {
			return fmt.Errorf("adapter %s unhealthy: %w", a.Name(), err)
		}
	}
	return nil
}
