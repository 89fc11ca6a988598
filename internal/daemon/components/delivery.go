package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okanishi/kakehashi/internal/adapter"
	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/concurrency"
	"github.com/okanishi/kakehashi/internal/daemon"
)

// DeliveryComponent is the single consumer of the event bus. It logs every
// normalized event and, when a Slack egress is configured, mirrors events
// from other platforms into the notify channel.
type DeliveryComponent struct {
	busComp      *BusComponent
	adaptersComp *AdaptersComponent

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewDeliveryComponent(busComp *BusComponent, adaptersComp *AdaptersComponent) *DeliveryComponent {
	return &DeliveryComponent{
		busComp:      busComp,
		adaptersComp: adaptersComp,
	}
}

func (d *DeliveryComponent) Name() string {
	return "Delivery"
}

func (d *DeliveryComponent) Dependencies() []string {
	return []string{"Bus", "Adapters"}
}

func (d *DeliveryComponent) Init(ctx context.Context) error {
	if d.busComp.Bus() == nil {
		return fmt.Errorf("event bus not initialized")
	}
	return nil
}

func (d *DeliveryComponent) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("delivery already running")
	}
	d.running = true
	d.done = make(chan struct{})

	events := d.busComp.Bus().Events()
	var sender adapter.Sender
	if slackAdapter := d.adaptersComp.Slack(); slackAdapter != nil {
		sender = slackAdapter
	}

	d.wg.Add(1)
	concurrency.SafeGo(func() {
		defer d.wg.Done()
		d.consume(events, sender)
	}, func(r interface{}) {
		slog.Error("Delivery consumer panicked", "panic", r)
	})

	slog.Info("Delivery consumer started", "egress", sender != nil)
	return nil
}

func (d *DeliveryComponent) consume(events <-chan *bus.Event, sender adapter.Sender) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				slog.Info("Event bus closed, delivery consumer exiting")
				return
			}
			d.deliver(evt, sender)
		case <-d.done:
			return
		}
	}
}

func (d *DeliveryComponent) deliver(evt *bus.Event, sender adapter.Sender) {
	slog.Info("Event delivered",
		"id", evt.ID,
		"source", evt.Source,
		"resource", evt.Resource,
		"type", evt.Type)

	// Events that originated in Slack stay there, everything else gets
	// mirrored into the notify channel.
	if sender == nil || evt.Source == sender.Name() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sender.Send(ctx, "", summarize(evt)); err != nil {
		slog.Warn("Event egress failed", "id", evt.ID, "error", err)
	}
}

func summarize(evt *bus.Event) string {
	summary := fmt.Sprintf("[%s] %s on %s", evt.Source, evt.Type, evt.Resource)
	for _, key := range []string{"resource_id", "item_id", "update_id"} {
		if id := evt.Metadata[key]; id != "" {
			summary += " (" + id + ")"
			break
		}
	}
	return summary
}

func (d *DeliveryComponent) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		slog.Info("Delivery consumer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery shutdown timed out: %w", ctx.Err())
	}
}

func (d *DeliveryComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	if !running {
		return &daemon.ComponentHealth{Name: d.Name(), Healthy: false, Error: fmt.Errorf("consumer not running")}, nil
	}
	return &daemon.ComponentHealth{Name: d.Name(), Healthy: true}, nil
}
