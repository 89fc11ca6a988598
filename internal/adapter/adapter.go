package adapter

import (
	"context"
)

// Adapter is one upstream platform integration. Start establishes whatever
// the platform needs (subscriptions, long-poll sessions); Stop tears it down
// best-effort.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// Poller is implemented by adapters that catch up by cursor-based polling.
// Poll runs one complete cycle over the adapter's resources.
type Poller interface {
	Adapter
	Poll(ctx context.Context) error
}

// Renewer is implemented by adapters that hold expiring upstream
// subscriptions.
type Renewer interface {
	Adapter
	RenewSubscriptions(ctx context.Context)
}

// TokenRefresher is implemented by adapters whose credentials benefit from
// proactive refresh between calls.
type TokenRefresher interface {
	Adapter
	RefreshToken(ctx context.Context) error
}

// Sender is the egress side: adapters that can publish a synced event to
// their platform.
type Sender interface {
	Name() string
	Send(ctx context.Context, target, content string) error
}
