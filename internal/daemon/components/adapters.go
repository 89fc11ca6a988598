package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/okanishi/kakehashi/internal/adapter"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/daemon"
	"github.com/okanishi/kakehashi/internal/manifest"
	"github.com/okanishi/kakehashi/internal/store"
)

// AdaptersComponent builds the enabled platform adapters from config and the
// resource manifest, and drives their lifecycle through the registry.
type AdaptersComponent struct {
	cfg       *config.Config
	stateComp *StateComponent
	busComp   *BusComponent

	registry *adapter.Registry
	graph    *adapter.GraphAdapter
	slack    *adapter.SlackAdapter
	started  bool
}

func NewAdaptersComponent(cfg *config.Config, stateComp *StateComponent, busComp *BusComponent) *AdaptersComponent {
	return &AdaptersComponent{
		cfg:       cfg,
		stateComp: stateComp,
		busComp:   busComp,
	}
}

func (a *AdaptersComponent) Name() string {
	return "Adapters"
}

func (a *AdaptersComponent) Dependencies() []string {
	return []string{"State", "Bus"}
}

func (a *AdaptersComponent) Init(ctx context.Context) error {
	if a.stateComp == nil || a.busComp == nil {
		return fmt.Errorf("state and bus components not provided")
	}

	m, err := manifest.Load(a.cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("load resource manifest: %w", err)
	}

	registry := adapter.NewRegistry()
	dd := a.stateComp.Dedup()
	b := a.busComp.Bus()

	if a.cfg.Adapters.Graph.Enabled {
		if strings.TrimSpace(a.cfg.Adapters.Graph.ClientSecret) == "" {
			return fmt.Errorf("adapters.graph.client_secret is required when graph adapter is enabled")
		}
		graph, err := adapter.NewGraphAdapter(
			a.cfg.Adapters.Graph,
			m.ForAdapter("graph"),
			dd,
			b,
			store.SubscriptionsPath(a.stateComp.StateDir(), "graph"),
		)
		if err != nil {
			return err
		}
		a.graph = graph
		registry.Add(graph)
	}

	if a.cfg.Adapters.Forum.Enabled {
		maxPages := a.cfg.Sync.MaxPagesPerCycle
		forum, err := adapter.NewForumAdapter(
			a.cfg.Adapters.Forum,
			m.ForAdapter("forum"),
			a.stateComp.Cursors(),
			dd,
			b,
			maxPages,
		)
		if err != nil {
			return err
		}
		registry.Add(forum)
	}

	if a.cfg.Adapters.Botfeed.Enabled {
		if strings.TrimSpace(a.cfg.Adapters.Botfeed.BotToken) == "" {
			return fmt.Errorf("adapters.botfeed.bot_token is required when botfeed adapter is enabled")
		}
		registry.Add(adapter.NewBotfeedAdapter(a.cfg.Adapters.Botfeed, a.stateComp.Cursors(), dd, b))
	}

	if a.cfg.Adapters.Slack.Enabled {
		if strings.TrimSpace(a.cfg.Adapters.Slack.SigningSecret) == "" {
			return fmt.Errorf("adapters.slack.signing_secret is required when slack adapter is enabled")
		}
		if strings.TrimSpace(a.cfg.Adapters.Slack.BotToken) == "" {
			return fmt.Errorf("adapters.slack.bot_token is required when slack adapter is enabled")
		}
		slack := adapter.NewSlackAdapter(a.cfg.Adapters.Slack, dd, b)
		a.slack = slack
		registry.Add(slack)
	}

	a.registry = registry
	slog.Info("Adapters configured", "component", a.Name(), "count", len(registry.Adapters()))
	return nil
}

func (a *AdaptersComponent) Start(ctx context.Context) error {
	if a.registry == nil {
		return fmt.Errorf("adapters component not initialized")
	}
	a.registry.Start(ctx)
	a.started = true
	return nil
}

func (a *AdaptersComponent) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false
	return a.registry.Stop(ctx)
}

func (a *AdaptersComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if a.registry == nil {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !a.started {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := a.registry.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: a.Name(), Healthy: true}, nil
}

func (a *AdaptersComponent) Registry() *adapter.Registry {
	return a.registry
}

// Graph returns the graph adapter when enabled, for webhook route wiring.
func (a *AdaptersComponent) Graph() *adapter.GraphAdapter {
	return a.graph
}

// Slack returns the slack adapter when enabled.
func (a *AdaptersComponent) Slack() *adapter.SlackAdapter {
	return a.slack
}
