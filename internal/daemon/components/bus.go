package components

import (
	"context"
	"fmt"

	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/daemon"
)

// BusComponent owns the in-process event bus between adapters and delivery.
type BusComponent struct {
	cfg *config.Config
	bus *bus.Bus
}

func NewBusComponent(cfg *config.Config) *BusComponent {
	return &BusComponent{cfg: cfg}
}

func (b *BusComponent) Name() string {
	return "Bus"
}

func (b *BusComponent) Dependencies() []string {
	return []string{}
}

func (b *BusComponent) Init(ctx context.Context) error {
	submitTimeout, err := config.DurationOrDefault(b.cfg.Bus.SubmitTimeout, config.DefaultBusSubmitTimeout)
	if err != nil {
		return fmt.Errorf("parse bus submit timeout: %w", err)
	}
	drainTimeout, err := config.DurationOrDefault(b.cfg.Bus.DrainTimeout, config.DefaultBusDrainTimeout)
	if err != nil {
		return fmt.Errorf("parse bus drain timeout: %w", err)
	}

	b.bus = bus.New(b.cfg.Bus.QueueSize, submitTimeout, drainTimeout)
	return nil
}

func (b *BusComponent) Start(ctx context.Context) error {
	if b.bus == nil {
		return fmt.Errorf("bus not initialized")
	}
	return nil
}

func (b *BusComponent) Stop(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Close()
}

func (b *BusComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if b.bus == nil {
		return &daemon.ComponentHealth{Name: b.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := b.bus.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: b.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: b.Name(), Healthy: true}, nil
}

func (b *BusComponent) Bus() *bus.Bus {
	return b.bus
}
