package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/credential"
	"github.com/okanishi/kakehashi/internal/cursor"
	"github.com/okanishi/kakehashi/internal/dedup"
	"github.com/okanishi/kakehashi/internal/errors"
	"github.com/okanishi/kakehashi/internal/gateway"
	"github.com/okanishi/kakehashi/internal/manifest"
	"github.com/okanishi/kakehashi/internal/token"
)

// ForumAdapter integrates the community platform. It has no push channel;
// every cycle it lists each resource's feed from the persisted cursor
// forward and publishes what is new.
type ForumAdapter struct {
	cfg       config.ForumConfig
	tokens    *token.Manager
	gw        *gateway.Gateway
	tracker   *cursor.Tracker
	dedup     *dedup.Deduplicator
	publisher bus.Publisher
	resources map[string]manifest.Resource
	order     []string
}

func NewForumAdapter(cfg config.ForumConfig, resources []manifest.Resource, store *cursor.Store, dd *dedup.Deduplicator, publisher bus.Publisher, maxPages int) (*ForumAdapter, error) {
	grant, err := credential.ParseGrant(cfg.Grant)
	if err != nil {
		return nil, fmt.Errorf("forum adapter: %w", err)
	}
	creds, err := credential.New(grant, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Username, cfg.Password, "")
	if err != nil {
		return nil, fmt.Errorf("forum adapter: %w", err)
	}

	refreshBuffer, err := config.DurationOrDefault(cfg.RefreshBuffer, config.DefaultRefreshBuffer)
	if err != nil {
		return nil, fmt.Errorf("parse forum refresh buffer: %w", err)
	}
	callTimeout, err := config.DurationOrDefault(cfg.CallTimeout, config.DefaultCallTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse forum call timeout: %w", err)
	}

	tokens := token.NewManager("forum", creds, token.NewHTTPExchanger(nil, callTimeout), refreshBuffer)

	byKey := make(map[string]manifest.Resource, len(resources))
	order := make([]string, 0, len(resources))
	for _, r := range resources {
		byKey[r.Key] = r
		order = append(order, r.Key)
	}

	f := &ForumAdapter{
		cfg:       cfg,
		tokens:    tokens,
		gw:        gateway.New("forum", cfg.BaseURL, nil, tokens, callTimeout),
		dedup:     dd,
		publisher: publisher,
		resources: byKey,
		order:     order,
	}
	f.tracker = cursor.NewTracker("forum", store, f, maxPages)
	return f, nil
}

func (f *ForumAdapter) Name() string {
	return "forum"
}

func (f *ForumAdapter) Start(ctx context.Context) error {
	// Nothing to establish upstream; the first poll cycle does the catch-up.
	return nil
}

func (f *ForumAdapter) Stop(ctx context.Context) error {
	return nil
}

func (f *ForumAdapter) Health(ctx context.Context) error {
	if _, err := f.tokens.EnsureValid(ctx); err != nil {
		return errors.Wrap(err, "forum token")
	}
	return nil
}

// Poll runs one catch-up cycle over every forum resource. One resource's
// failure is logged and the rest still poll; the error of the first failed
// resource is reported so the cycle shows up as failed.
func (f *ForumAdapter) Poll(ctx context.Context) error {
	var firstErr error
	for _, key := range f.order {
		delivered, err := f.tracker.FetchSince(ctx, key, f.deliverFor(ctx, key))
		if err != nil {
			slog.Error("Forum resource poll failed", "resource", key, "delivered", delivered, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("poll %s: %w", key, err)
			}
			continue
		}
		if delivered > 0 {
			slog.Info("Forum resource polled", "resource", key, "delivered", delivered)
		}
	}
	return firstErr
}

func (f *ForumAdapter) deliverFor(ctx context.Context, resourceKey string) cursor.Sink {
	return func(item cursor.Item) error {
		dedupKey := "forum:" + resourceKey + ":" + item.ID
		if !f.dedup.Admit(dedupKey) {
			slog.Debug("Duplicate forum item suppressed", "key", dedupKey)
			return nil
		}

		evt := bus.NewEvent("forum", resourceKey, bus.TypeThreadCreated, item.Payload, map[string]string{
			"item_id": item.ID,
		})
		return f.publisher.Publish(ctx, evt)
	}
}

// Positions exposes the confirmed cursor per resource, for diagnostics.
func (f *ForumAdapter) Positions() map[string]cursor.Position {
	out := make(map[string]cursor.Position, len(f.order))
	for _, key := range f.order {
		out[key] = f.tracker.Position(key)
	}
	return out
}

// RefreshToken keeps the credential warm between poll cycles.
func (f *ForumAdapter) RefreshToken(ctx context.Context) error {
	_, err := f.tokens.EnsureValid(ctx)
	return err
}

type forumListResponse struct {
	Items    []json.RawMessage `json:"items"`
	NextPage string            `json:"next_page"`
}

type forumItemID struct {
	ID json.Number `json:"id"`
}

// FetchPage lists one page of a resource's feed. The cursor is the id of the
// last confirmed item; the listing returns everything strictly after it in
// platform order.
func (f *ForumAdapter) FetchPage(ctx context.Context, resourceKey string, since cursor.Position, pageToken string) (*cursor.Page, error) {
	r, ok := f.resources[resourceKey]
	if !ok {
		return nil, errors.NotFound("unknown forum resource " + resourceKey)
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(f.pageSize()))
	if !since.IsZero() {
		query.Set("after_id", since.Value)
	}
	if pageToken != "" {
		query.Set("page", pageToken)
	}

	resp, err := f.gw.Call(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   r.Path,
		Query:  query,
	})
	if err != nil {
		return nil, err
	}

	var listing forumListResponse
	if err := json.Unmarshal(resp.Body, &listing); err != nil {
		return nil, errors.Wrap(err, "parse forum listing")
	}

	page := &cursor.Page{NextPage: listing.NextPage}
	for _, raw := range listing.Items {
		var ident forumItemID
		if err := json.Unmarshal(raw, &ident); err != nil || ident.ID.String() == "" {
			slog.Warn("Forum item without id, skipping", "resource", resourceKey)
			continue
		}
		page.Items = append(page.Items, cursor.Item{
			ID:       ident.ID.String(),
			Position: cursor.Position{Kind: cursor.KindID, Value: ident.ID.String()},
			Payload:  raw,
		})
	}
	return page, nil
}

func (f *ForumAdapter) pageSize() int {
	if f.cfg.PageSize > 0 {
		return f.cfg.PageSize
	}
	return config.DefaultForumPageSize
}
