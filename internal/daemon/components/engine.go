package components

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/daemon"
	"github.com/okanishi/kakehashi/internal/syncloop"
)

// EngineComponent drives the periodic synchronization tasks: token refresh,
// subscription renewal, cursor polls and dedup maintenance.
type EngineComponent struct {
	cfg          *config.Config
	stateComp    *StateComponent
	adaptersComp *AdaptersComponent
	engine       *syncloop.Engine
}

func NewEngineComponent(cfg *config.Config, stateComp *StateComponent, adaptersComp *AdaptersComponent) *EngineComponent {
	return &EngineComponent{
		cfg:          cfg,
		stateComp:    stateComp,
		adaptersComp: adaptersComp,
	}
}

func (e *EngineComponent) Name() string {
	return "SyncEngine"
}

func (e *EngineComponent) Dependencies() []string {
	return []string{"State", "Adapters"}
}

func (e *EngineComponent) Init(ctx context.Context) error {
	gracePeriod, err := config.DurationOrDefault(e.cfg.Sync.ShutdownGracePeriod, config.DefaultSyncShutdownGracePeriod)
	if err != nil {
		return fmt.Errorf("parse sync shutdown grace period: %w", err)
	}

	workers := e.cfg.Sync.Workers
	if workers <= 0 {
		workers = config.DefaultSyncWorkers
	}

	engine := syncloop.NewEngine(workers, time.Second, gracePeriod)
	if err := e.registerTasks(engine); err != nil {
		return err
	}

	e.engine = engine
	return engine.Init(ctx)
}

func scheduleOrDefault(spec, fallback string) string {
	if spec == "" {
		return fallback
	}
	return spec
}

func (e *EngineComponent) registerTasks(engine *syncloop.Engine) error {
	registry := e.adaptersComp.Registry()
	if registry == nil {
		return fmt.Errorf("adapters not initialized")
	}

	if refreshers := registry.Refreshers(); len(refreshers) > 0 {
		err := engine.Register("token-refresh", scheduleOrDefault(e.cfg.Sync.TokenRefreshEvery, config.DefaultSyncTokenRefreshEvery), func(ctx context.Context) error {
			var firstErr error
			for _, tr := range refreshers {
				if err := tr.RefreshToken(ctx); err != nil {
					slog.Warn("Token refresh failed", "adapter", tr.Name(), "error", err)
					if firstErr == nil {
						firstErr = fmt.Errorf("refresh %s: %w", tr.Name(), err)
					}
				}
			}
			return firstErr
		})
		if err != nil {
			return err
		}
	}

	if renewers := registry.Renewers(); len(renewers) > 0 {
		err := engine.Register("subscription-renewal", scheduleOrDefault(e.cfg.Sync.RenewalEvery, config.DefaultSyncRenewalEvery), func(ctx context.Context) error {
			for _, ren := range renewers {
				ren.RenewSubscriptions(ctx)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if pollers := registry.Pollers(); len(pollers) > 0 {
		err := engine.Register("cursor-poll", scheduleOrDefault(e.cfg.Sync.PollEvery, config.DefaultSyncPollEvery), func(ctx context.Context) error {
			var firstErr error
			for _, p := range pollers {
				if err := p.Poll(ctx); err != nil {
					slog.Warn("Poll cycle failed", "adapter", p.Name(), "error", err)
					if firstErr == nil {
						firstErr = fmt.Errorf("poll %s: %w", p.Name(), err)
					}
				}
			}
			return firstErr
		})
		if err != nil {
			return err
		}
	}

	dd := e.stateComp.Dedup()
	err := engine.Register("dedup-maintenance", scheduleOrDefault(e.cfg.Sync.DedupTrimEvery, config.DefaultSyncDedupTrimEvery), func(ctx context.Context) error {
		if pruned := dd.Trim(); pruned > 0 {
			slog.Info("Dedup entries pruned", "count", pruned)
		}
		return dd.Save()
	})
	if err != nil {
		return err
	}

	return nil
}

func (e *EngineComponent) Start(ctx context.Context) error {
	if e.engine == nil {
		return fmt.Errorf("sync engine not initialized")
	}
	return e.engine.Start(ctx)
}

func (e *EngineComponent) Stop(ctx context.Context) error {
	if e.engine == nil {
		return nil
	}
	return e.engine.Stop(ctx)
}

func (e *EngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if e.engine == nil {
		return &daemon.ComponentHealth{Name: e.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := e.engine.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: e.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: e.Name(), Healthy: true}, nil
}

func (e *EngineComponent) Engine() *syncloop.Engine {
	return e.engine
}
