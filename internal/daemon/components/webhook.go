package components

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/daemon"
	"github.com/okanishi/kakehashi/internal/webhook"
)

// WebhookComponent runs the shared inbound HTTP server and mounts the
// enabled adapters' notification routes on it.
type WebhookComponent struct {
	cfg          *config.Config
	adaptersComp *AdaptersComponent
	server       *webhook.Server
	started      bool
}

func NewWebhookComponent(cfg *config.Config, adaptersComp *AdaptersComponent) *WebhookComponent {
	return &WebhookComponent{
		cfg:          cfg,
		adaptersComp: adaptersComp,
	}
}

func (w *WebhookComponent) Name() string {
	return "Webhook"
}

func (w *WebhookComponent) Dependencies() []string {
	return []string{"Adapters"}
}

func (w *WebhookComponent) Init(ctx context.Context) error {
	readTimeout, err := config.DurationOrDefault(w.cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(w.cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(w.cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}

	server := webhook.NewServer(w.cfg.Server.Port, readTimeout, writeTimeout, idleTimeout)

	if graph := w.adaptersComp.Graph(); graph != nil {
		if err := server.Handle("/hooks/graph", graph.NotificationHandler()); err != nil {
			return err
		}
	}
	if slack := w.adaptersComp.Slack(); slack != nil {
		if err := server.Handle("/hooks/slack", slack.EventsHandler()); err != nil {
			return err
		}
	}

	w.server = server
	return nil
}

func (w *WebhookComponent) Start(ctx context.Context) error {
	if w.server == nil {
		return fmt.Errorf("webhook server not initialized")
	}
	w.server.Start()
	w.started = true
	slog.Info("Webhook server started", "component", w.Name(), "port", w.cfg.Server.Port)
	return nil
}

func (w *WebhookComponent) Stop(ctx context.Context) error {
	if !w.started {
		return nil
	}
	w.started = false

	shutdownTimeout, err := config.DurationOrDefault(w.cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		shutdownTimeout = 5 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return w.server.Stop(stopCtx)
}

func (w *WebhookComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if w.server == nil {
		return &daemon.ComponentHealth{Name: w.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !w.started {
		return &daemon.ComponentHealth{Name: w.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: w.Name(), Healthy: true}, nil
}
