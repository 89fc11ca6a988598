package adapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/dedup"
	"github.com/okanishi/kakehashi/internal/errors"
)

// SlackAdapter receives signed event callbacks on the shared webhook server
// and doubles as the egress channel for announcing synced changes.
type SlackAdapter struct {
	cfg       config.SlackConfig
	client    *slack.Client
	dedup     *dedup.Deduplicator
	publisher bus.Publisher
	started   bool
}

func NewSlackAdapter(cfg config.SlackConfig, dd *dedup.Deduplicator, publisher bus.Publisher) *SlackAdapter {
	return &SlackAdapter{
		cfg:       cfg,
		client:    slack.New(cfg.BotToken),
		dedup:     dd,
		publisher: publisher,
	}
}

func (s *SlackAdapter) Name() string {
	return "slack"
}

func (s *SlackAdapter) Start(ctx context.Context) error {
	s.started = true
	return nil
}

func (s *SlackAdapter) Stop(ctx context.Context) error {
	s.started = false
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if !s.started {
		return errors.Transient("slack adapter not started")
	}
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return errors.Transient("slack connection failed")
	}
	return nil
}

// Send posts content to a channel. An empty target falls back to the
// configured notify channel.
func (s *SlackAdapter) Send(ctx context.Context, target, content string) error {
	if target == "" {
		target = s.cfg.NotifyChannel
	}
	if target == "" {
		return errors.InvalidInput("no slack channel to send to")
	}
	_, _, err := s.client.PostMessageContext(ctx, target, slack.MsgOptionText(content, false))
	if err != nil {
		return errors.Wrap(err, "post slack message")
	}
	slog.Debug("Slack message sent", "channel", target)
	return nil
}

// EventsHandler verifies the request signature, answers the URL-verification
// handshake, and publishes message events.
func (s *SlackAdapter) EventsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sv, err := slack.NewSecretsVerifier(r.Header, s.cfg.SigningSecret)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := sv.Write(body); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := sv.Ensure(); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		switch eventsAPIEvent.Type {
		case slackevents.URLVerification:
			var challenge slackevents.ChallengeResponse
			if err := json.Unmarshal(body, &challenge); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(challenge.Challenge))

		case slackevents.CallbackEvent:
			s.handleCallback(r.Context(), eventsAPIEvent)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusOK)
		}
	})
}

func (s *SlackAdapter) handleCallback(ctx context.Context, outer slackevents.EventsAPIEvent) {
	switch ev := outer.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}

		dedupKey := "slack:" + ev.Channel + ":" + ev.TimeStamp
		if !s.dedup.Admit(dedupKey) {
			slog.Debug("Duplicate slack event suppressed", "key", dedupKey)
			return
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("Failed to marshal slack event", "error", err)
			return
		}

		evt := bus.NewEvent("slack", ev.Channel, bus.TypeMessageCreated, payload, map[string]string{
			"user_id": ev.User,
			"ts":      ev.TimeStamp,
		})
		if err := s.publisher.Publish(ctx, evt); err != nil {
			slog.Error("Failed to publish slack event", "key", dedupKey, "error", err)
		}
	}
}
