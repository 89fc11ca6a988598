package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/okanishi/kakehashi/internal/errors"
)

type EventType string

const (
	TypeMessageCreated EventType = "message_created"
	TypeMessageUpdated EventType = "message_updated"
	TypeMessageDeleted EventType = "message_deleted"
	TypeThreadCreated  EventType = "thread_created"
	TypeSystemEvent    EventType = "system_event"
)

// Event is the normalized change record every adapter produces, regardless
// of whether it arrived by push notification or by polling.
type Event struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`    // "graph", "forum", "botfeed", "slack"
	Resource  string            `json:"resource"`  // monitored resource key
	Type      EventType         `json:"type"`
	Payload   []byte            `json:"payload"`   // upstream body, verbatim
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent creates a normalized event with a fresh ULID.
func NewEvent(source, resource string, eventType EventType, payload []byte, metadata map[string]string) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		Source:    source,
		Resource:  resource,
		Type:      eventType,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
}

// Publisher is the producer side of the bus, what adapters hold.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// Bus is a bounded in-process channel between adapters and the delivery
// consumer. Publish applies backpressure for a short window, then reports
// transient so callers leave their cursor in place and retry next cycle.
type Bus struct {
	queue         chan *Event
	submitTimeout time.Duration
	drainTimeout  time.Duration
}

func New(size int, submitTimeout, drainTimeout time.Duration) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		queue:         make(chan *Event, size),
		submitTimeout: submitTimeout,
		drainTimeout:  drainTimeout,
	}
}

func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return errors.InvalidInput("event is nil")
	}

	select {
	case b.queue <- evt:
		slog.Debug("Event published", "id", evt.ID, "source", evt.Source, "type", evt.Type)
		return nil
	case <-time.After(b.submitTimeout):
		slog.Warn("Event queue full, rejecting event", "id", evt.ID, "source", evt.Source)
		return errors.ErrTransient
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side; the channel closes after Close drains.
func (b *Bus) Events() <-chan *Event {
	return b.queue
}

// Close drains whatever the consumer has not picked up, then closes the
// channel. Publishers must have stopped before Close is called.
func (b *Bus) Close() error {
	slog.Info("Event bus shutting down, draining queue")

	drainStart := time.Now()
	remaining := len(b.queue)
	for remaining > 0 && time.Since(drainStart) < b.drainTimeout {
		select {
		case <-b.queue:
			remaining--
		default:
			remaining = len(b.queue)
			if remaining > 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	if remaining > 0 {
		slog.Warn("Event queue drain incomplete", "remaining", remaining)
	}
	close(b.queue)
	slog.Info("Event bus shutdown complete")
	return nil
}

func (b *Bus) Health(ctx context.Context) error {
	if b.queue == nil {
		return errors.Internal("queue not initialized")
	}

	usage := float64(len(b.queue)) / float64(cap(b.queue))
	if usage > 0.9 {
		return errors.Transient("event queue nearly full")
	}
	return nil
}
