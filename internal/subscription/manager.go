package subscription

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/okanishi/kakehashi/internal/errors"
)

// Subscription is a platform-side registration that pushes change
// notifications to this adapter. Keyed by the platform-assigned id.
type Subscription struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	ChangeTypes []string  `json:"change_types"`
	ExpiresAt   time.Time `json:"expires_at"`
	Secret      string    `json:"secret"`
}

// API is the platform's change-notification surface, reached through the
// gateway. The manager owns lifecycle; the API owns payload shaping.
type API interface {
	Create(ctx context.Context, resource string, changeTypes []string, clientState string, expiresAt time.Time) (id string, err error)
	Renew(ctx context.Context, id string, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// Manager creates, tracks, renews and deletes push subscriptions.
type Manager struct {
	name        string
	api         API
	lease       time.Duration
	renewalLead time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription

	snapshotPath string
	now          func() time.Time
}

func NewManager(name string, api API, lease, renewalLead time.Duration, snapshotPath string) *Manager {
	return &Manager{
		name:         name,
		api:          api,
		lease:        lease,
		renewalLead:  renewalLead,
		subs:         make(map[string]*Subscription),
		snapshotPath: snapshotPath,
		now:          time.Now,
	}
}

// Subscribe registers a push subscription for a resource and tracks it.
// The generated secret travels as clientState and gates inbound admission.
func (m *Manager) Subscribe(ctx context.Context, resource string, changeTypes []string) (*Subscription, error) {
	secret := ulid.Make().String()
	expiresAt := m.now().Add(m.lease)

	var id string
	err := m.withRetry(ctx, "create", resource, func() error {
		var createErr error
		id, createErr = m.api.Create(ctx, resource, changeTypes, secret, expiresAt)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", resource, err)
	}

	sub := &Subscription{
		ID:          id,
		Resource:    resource,
		ChangeTypes: append([]string(nil), changeTypes...),
		ExpiresAt:   expiresAt,
		Secret:      secret,
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()
	m.snapshot()

	slog.Info("Subscription created",
		"adapter", m.name,
		"id", id,
		"resource", resource,
		"expires_at", expiresAt)
	return sub, nil
}

// RenewAll extends every tracked subscription entering its renewal lead
// window. One subscription's failure is logged and skipped; the others still
// renew, and the failed one is retried on the next cycle.
func (m *Manager) RenewAll(ctx context.Context) {
	now := m.now()
	due := m.dueForRenewal(now)

	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			slog.Info("Renewal cycle cancelled", "adapter", m.name)
			return
		}

		newExpiry := now.Add(m.lease)
		err := m.withRetry(ctx, "renew", sub.ID, func() error {
			return m.api.Renew(ctx, sub.ID, newExpiry)
		})
		if err != nil {
			// A subscription the platform no longer knows cannot be renewed;
			// drop it so the ensure pass creates a replacement.
			if errors.IsCategory(err, errors.ErrNotFound) || errors.IsCategory(err, errors.ErrSubscriptionExpired) {
				m.mu.Lock()
				delete(m.subs, sub.ID)
				m.mu.Unlock()
				slog.Warn("Subscription gone upstream, dropping from tracked set",
					"adapter", m.name,
					"id", sub.ID,
					"resource", sub.Resource)
				continue
			}
			slog.Warn("Subscription renewal failed, will retry next cycle",
				"adapter", m.name,
				"id", sub.ID,
				"resource", sub.Resource,
				"error", err)
			continue
		}

		m.mu.Lock()
		if tracked, ok := m.subs[sub.ID]; ok {
			tracked.ExpiresAt = newExpiry
		}
		m.mu.Unlock()

		slog.Info("Subscription renewed",
			"adapter", m.name,
			"id", sub.ID,
			"expires_at", newExpiry)
	}

	if len(due) > 0 {
		m.snapshot()
	}
}

func (m *Manager) dueForRenewal(now time.Time) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if !now.Before(sub.ExpiresAt.Add(-m.renewalLead)) {
			due = append(due, &Subscription{
				ID:        sub.ID,
				Resource:  sub.Resource,
				ExpiresAt: sub.ExpiresAt,
			})
		}
	}
	return due
}

// UnsubscribeAll issues best-effort deletes for every tracked subscription.
// Failures are logged, not retried; shutdown never blocks on them.
func (m *Manager) UnsubscribeAll(ctx context.Context) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.api.Delete(ctx, sub.ID); err != nil {
			slog.Warn("Best-effort unsubscribe failed",
				"adapter", m.name,
				"id", sub.ID,
				"resource", sub.Resource,
				"error", err)
			continue
		}
		slog.Info("Subscription deleted", "adapter", m.name, "id", sub.ID)
	}
	m.snapshot()
}

// Admit checks an inbound notification against the tracked set. A
// notification is accepted only when its subscription id is tracked and the
// carried clientState matches the stored secret; everything else is dropped
// without side effects.
func (m *Manager) Admit(subscriptionID, clientState string) error {
	m.mu.RLock()
	sub, ok := m.subs[subscriptionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("subscription %s not tracked: %w", subscriptionID, errors.ErrSubscriptionExpired)
	}
	if subtle.ConstantTimeCompare([]byte(sub.Secret), []byte(clientState)) != 1 {
		return errors.InvalidInput("clientState mismatch for subscription " + subscriptionID)
	}
	return nil
}

// Resource returns the monitored resource behind a tracked subscription id.
func (m *Manager) Resource(subscriptionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return "", false
	}
	return sub.Resource, true
}

// Tracked returns a copy of the tracked subscriptions, for diagnostics.
func (m *Manager) Tracked() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, *sub)
	}
	return out
}

// HasSubscription reports whether a resource already has a tracked
// subscription, so startup reconciliation does not double-subscribe.
func (m *Manager) HasSubscription(resource string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.Resource == resource {
			return true
		}
	}
	return false
}

func (m *Manager) withRetry(ctx context.Context, op, subject string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying subscription call",
				"adapter", m.name,
				"op", op,
				"subject", subject,
				"attempt", n+1,
				"error", err)
		}),
	)
}

type snapshotFile struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// snapshot persists the tracked set for the status command; secrets are
// redacted on the way out. Failures are logged only; the in-memory map is
// the source of truth.
func (m *Manager) snapshot() {
	if m.snapshotPath == "" {
		return
	}

	subs := m.Tracked()
	for i := range subs {
		subs[i].Secret = ""
	}

	data, err := json.MarshalIndent(snapshotFile{Subscriptions: subs}, "", "  ")
	if err != nil {
		slog.Warn("Snapshot marshal failed", "adapter", m.name, "error", err)
		return
	}
	if err := atomic.WriteFile(m.snapshotPath, bytes.NewReader(data)); err != nil {
		slog.Warn("Snapshot write failed", "adapter", m.name, "path", m.snapshotPath, "error", err)
	}
}

// LoadSnapshot reads a persisted snapshot for display purposes.
func LoadSnapshot(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Subscriptions, nil
}
