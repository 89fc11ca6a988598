package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okanishi/kakehashi/internal/errors"
)

type stubAdapter struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	health   error
}

func (s *stubAdapter) Name() string                     { return s.name }
func (s *stubAdapter) Start(ctx context.Context) error  { s.started = true; return s.startErr }
func (s *stubAdapter) Stop(ctx context.Context) error   { s.stopped = true; return nil }
func (s *stubAdapter) Health(ctx context.Context) error { return s.health }

type stubPoller struct {
	stubAdapter
	polled int
}

func (s *stubPoller) Poll(ctx context.Context) error { s.polled++; return nil }

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	good := &stubAdapter{name: "good"}
	bad := &stubAdapter{name: "bad", startErr: errors.Internal("refused")}
	r.Add(good)
	r.Add(bad)

	ctx := context.Background()
	r.Start(ctx)
	assert.True(t, good.started)
	assert.True(t, bad.started)

	require.NoError(t, r.Stop(ctx))
	assert.True(t, good.stopped)
	assert.True(t, bad.stopped)

	// Stop after stop is a no-op.
	good.stopped = false
	require.NoError(t, r.Stop(ctx))
	assert.False(t, good.stopped)
}

func TestRegistryHealthSurfacesFirstFailure(t *testing.T) {
	r := NewRegistry()
	r.Add(&stubAdapter{name: "ok"})
	r.Add(&stubAdapter{name: "sick", health: errors.Transient("flaky upstream")})

	err := r.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick")
}

func TestRegistryRoleFiltering(t *testing.T) {
	r := NewRegistry()
	plain := &stubAdapter{name: "plain"}
	poller := &stubPoller{stubAdapter: stubAdapter{name: "poller"}}
	r.Add(plain)
	r.Add(poller)

	pollers := r.Pollers()
	require.Len(t, pollers, 1)
	assert.Equal(t, "poller", pollers[0].Name())

	assert.Empty(t, r.Renewers())
	assert.Empty(t, r.Refreshers())
	assert.Empty(t, r.Senders())
	assert.Len(t, r.Adapters(), 2)
}
