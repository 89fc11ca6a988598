package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/credential"
	"github.com/okanishi/kakehashi/internal/dedup"
	"github.com/okanishi/kakehashi/internal/errors"
	"github.com/okanishi/kakehashi/internal/gateway"
	"github.com/okanishi/kakehashi/internal/manifest"
	"github.com/okanishi/kakehashi/internal/subscription"
	"github.com/okanishi/kakehashi/internal/token"
	"github.com/okanishi/kakehashi/internal/webhook"
)

// GraphAdapter integrates the enterprise chat platform: it maintains
// change-notification subscriptions for manifest resources and turns the
// inbound webhook notifications into normalized bus events.
type GraphAdapter struct {
	cfg       config.GraphConfig
	tokens    *token.Manager
	subs      *subscription.Manager
	dedup     *dedup.Deduplicator
	publisher bus.Publisher
	resources []manifest.Resource
}

func NewGraphAdapter(cfg config.GraphConfig, resources []manifest.Resource, dd *dedup.Deduplicator, publisher bus.Publisher, snapshotPath string) (*GraphAdapter, error) {
	grant, err := credential.ParseGrant(cfg.Grant)
	if err != nil {
		return nil, fmt.Errorf("graph adapter: %w", err)
	}
	creds, err := credential.New(grant, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("graph adapter: %w", err)
	}

	refreshBuffer, err := config.DurationOrDefault(cfg.RefreshBuffer, config.DefaultRefreshBuffer)
	if err != nil {
		return nil, fmt.Errorf("parse graph refresh buffer: %w", err)
	}
	lease, err := config.DurationOrDefault(cfg.SubscriptionLease, config.DefaultSubscriptionLease)
	if err != nil {
		return nil, fmt.Errorf("parse graph subscription lease: %w", err)
	}
	lead, err := config.DurationOrDefault(cfg.RenewalLead, config.DefaultRenewalLead)
	if err != nil {
		return nil, fmt.Errorf("parse graph renewal lead: %w", err)
	}
	callTimeout, err := config.DurationOrDefault(cfg.CallTimeout, config.DefaultCallTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse graph call timeout: %w", err)
	}

	tokens := token.NewManager("graph", creds, token.NewHTTPExchanger(nil, callTimeout), refreshBuffer)
	gw := gateway.New("graph", cfg.BaseURL, nil, tokens, callTimeout)

	return &GraphAdapter{
		cfg:    cfg,
		tokens: tokens,
		subs: subscription.NewManager("graph", &graphSubscriptionAPI{
			gw:              gw,
			notificationURL: cfg.NotificationURL,
		}, lease, lead, snapshotPath),
		dedup:     dd,
		publisher: publisher,
		resources: resources,
	}, nil
}

func (g *GraphAdapter) Name() string {
	return "graph"
}

// Start subscribes the manifest resources. A resource that cannot be
// subscribed is logged and retried by the renewal task's ensure pass.
func (g *GraphAdapter) Start(ctx context.Context) error {
	g.EnsureSubscriptions(ctx)
	return nil
}

func (g *GraphAdapter) Stop(ctx context.Context) error {
	g.subs.UnsubscribeAll(ctx)
	return nil
}

func (g *GraphAdapter) Health(ctx context.Context) error {
	if _, err := g.tokens.EnsureValid(ctx); err != nil {
		return errors.Wrap(err, "graph token")
	}
	return nil
}

// EnsureSubscriptions creates subscriptions for manifest resources that do
// not have one yet, either at startup or after one was dropped upstream.
func (g *GraphAdapter) EnsureSubscriptions(ctx context.Context) {
	for _, r := range g.resources {
		if g.subs.HasSubscription(r.Path) {
			continue
		}
		changeTypes := r.ChangeTypes
		if len(changeTypes) == 0 {
			changeTypes = []string{"created"}
		}
		if _, err := g.subs.Subscribe(ctx, r.Path, changeTypes); err != nil {
			slog.Error("Failed to subscribe resource", "adapter", "graph", "resource", r.Path, "error", err)
		}
	}
}

// RenewSubscriptions extends expiring leases and replaces any the platform
// dropped.
func (g *GraphAdapter) RenewSubscriptions(ctx context.Context) {
	g.subs.RenewAll(ctx)
	g.EnsureSubscriptions(ctx)
}

// RefreshToken keeps the credential warm so webhook bursts never wait on an
// exchange.
func (g *GraphAdapter) RefreshToken(ctx context.Context) error {
	_, err := g.tokens.EnsureValid(ctx)
	return err
}

func (g *GraphAdapter) Subscriptions() []subscription.Subscription {
	return g.subs.Tracked()
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

// NotificationHandler serves the platform's change notifications: the
// validation handshake, admission against tracked subscriptions, dedup, and
// publish. The 202 goes out in-line; delivery work happens behind the bus.
func (g *GraphAdapter) NotificationHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if webhook.ValidationEcho(w, r) {
			return
		}

		var batch graphNotificationBatch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&batch); err != nil {
			slog.Warn("Malformed notification payload", "adapter", "graph", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		for _, n := range batch.Value {
			g.handleNotification(r.Context(), n)
		}
		webhook.Accepted(w)
	})
}

func (g *GraphAdapter) handleNotification(ctx context.Context, n graphNotification) {
	if err := g.subs.Admit(n.SubscriptionID, n.ClientState); err != nil {
		slog.Warn("Dropping unadmitted notification",
			"adapter", "graph",
			"subscription_id", n.SubscriptionID,
			"error", err)
		return
	}

	// The same change can arrive through a renewed subscription under a new
	// id, so the key leaves the subscription out.
	dedupKey := fmt.Sprintf("graph:%s:%s:%s", n.Resource, n.ResourceData.ID, n.ChangeType)
	if !g.dedup.Admit(dedupKey) {
		slog.Debug("Duplicate notification suppressed", "adapter", "graph", "key", dedupKey)
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("Failed to marshal notification", "adapter", "graph", "error", err)
		return
	}

	evt := bus.NewEvent("graph", n.Resource, changeTypeToEvent(n.ChangeType), payload, map[string]string{
		"subscription_id": n.SubscriptionID,
		"resource_id":     n.ResourceData.ID,
		"change_type":     n.ChangeType,
	})
	if err := g.publisher.Publish(ctx, evt); err != nil {
		slog.Error("Failed to publish notification", "adapter", "graph", "key", dedupKey, "error", err)
	}
}

func changeTypeToEvent(changeType string) bus.EventType {
	switch changeType {
	case "updated":
		return bus.TypeMessageUpdated
	case "deleted":
		return bus.TypeMessageDeleted
	default:
		return bus.TypeMessageCreated
	}
}

// graphSubscriptionAPI shapes subscription lifecycle calls for the platform
// wire format.
type graphSubscriptionAPI struct {
	gw              *gateway.Gateway
	notificationURL string
}

type graphSubscriptionRequest struct {
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

type graphSubscriptionResponse struct {
	ID string `json:"id"`
}

func (a *graphSubscriptionAPI) Create(ctx context.Context, resource string, changeTypes []string, clientState string, expiresAt time.Time) (string, error) {
	body, err := json.Marshal(graphSubscriptionRequest{
		ChangeType:         joinChangeTypes(changeTypes),
		NotificationURL:    a.notificationURL,
		Resource:           resource,
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
		ClientState:        clientState,
	})
	if err != nil {
		return "", err
	}

	resp, err := a.gw.Call(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/subscriptions",
		Body:   body,
	})
	if err != nil {
		return "", err
	}

	var created graphSubscriptionResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", errors.Wrap(err, "parse subscription response")
	}
	if created.ID == "" {
		return "", errors.Internal("platform returned subscription without id")
	}
	return created.ID, nil
}

func (a *graphSubscriptionAPI) Renew(ctx context.Context, id string, expiresAt time.Time) error {
	body, err := json.Marshal(graphSubscriptionRequest{
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	_, err = a.gw.Call(ctx, gateway.Request{
		Method: http.MethodPatch,
		Path:   "/subscriptions/" + id,
		Body:   body,
	})
	return err
}

func (a *graphSubscriptionAPI) Delete(ctx context.Context, id string) error {
	_, err := a.gw.Call(ctx, gateway.Request{
		Method: http.MethodDelete,
		Path:   "/subscriptions/" + id,
	})
	if errors.IsCategory(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

func joinChangeTypes(changeTypes []string) string {
	return strings.Join(changeTypes, ",")
}
