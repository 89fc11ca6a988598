package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okanishi/kakehashi/internal/credential"
	"github.com/okanishi/kakehashi/internal/errors"
)

// Token is a short-lived credential for outbound platform calls.
// Owned exclusively by one Manager instance; replaced wholesale on refresh.
type Token struct {
	Value      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// IsZero reports whether no token is cached.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// Fresh reports whether the token is still outside the refresh buffer.
func (t Token) Fresh(now time.Time, buffer time.Duration) bool {
	if t.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-buffer))
}

// Usable reports whether the token has not hard-expired yet.
func (t Token) Usable(now time.Time) bool {
	return !t.IsZero() && now.Before(t.ExpiresAt)
}

// Exchanger performs one credential exchange against the vendor OAuth endpoint.
type Exchanger interface {
	Exchange(ctx context.Context, creds credential.Credentials) (Token, error)
}

// Manager owns one access token's validity window. Reads of a still-fresh
// token take a shared lock only; the refresh critical section is serialized so
// concurrent callers observing an expiring token share a single in-flight
// exchange.
type Manager struct {
	name          string
	creds         credential.Credentials
	exchanger     Exchanger
	refreshBuffer time.Duration

	mu        sync.RWMutex
	cached    Token
	refreshMu sync.Mutex

	now func() time.Time
}

func NewManager(name string, creds credential.Credentials, exchanger Exchanger, refreshBuffer time.Duration) *Manager {
	return &Manager{
		name:          name,
		creds:         creds,
		exchanger:     exchanger,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
	}
}

// EnsureValid returns the cached token when it is still outside the refresh
// buffer, refreshing it otherwise. Safe for concurrent use.
//
// When the exchange fails but a previously cached token has not hard-expired,
// the stale token is returned instead of an error; a working-but-aging token
// is preferred over aborting in-flight cycles. The error is surfaced only
// when no usable token remains.
func (m *Manager) EnsureValid(ctx context.Context) (Token, error) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()

	now := m.now()
	if cached.Fresh(now, m.refreshBuffer) {
		return cached, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have completed the exchange while we waited.
	m.mu.RLock()
	cached = m.cached
	m.mu.RUnlock()

	now = m.now()
	if cached.Fresh(now, m.refreshBuffer) {
		return cached, nil
	}

	fresh, err := m.exchanger.Exchange(ctx, m.creds)
	if err != nil {
		if cached.Usable(now) {
			slog.Warn("Credential exchange failed, reusing cached token",
				"adapter", m.name,
				"expires_at", cached.ExpiresAt,
				"error", err)
			return cached, nil
		}
		return Token{}, fmt.Errorf("credential exchange: %v: %w", err, errors.ErrCredentialExchange)
	}

	if !fresh.ExpiresAt.After(fresh.ObtainedAt) {
		return Token{}, errors.CredentialExchange("exchange returned token with non-positive lifetime")
	}

	m.mu.Lock()
	m.cached = fresh
	m.mu.Unlock()

	slog.Debug("Token refreshed", "adapter", m.name, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// Invalidate clears the cached token immediately, forcing the next
// EnsureValid to refresh. Used by the gateway on an authentication failure.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = Token{}
	m.mu.Unlock()

	slog.Info("Token invalidated", "adapter", m.name)
}

// Current returns the cached token without triggering a refresh.
func (m *Manager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached
}
