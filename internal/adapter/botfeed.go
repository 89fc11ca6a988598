package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/okanishi/kakehashi/internal/bus"
	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/cursor"
	"github.com/okanishi/kakehashi/internal/dedup"
	"github.com/okanishi/kakehashi/internal/errors"
)

const botfeedResourceKey = "botfeed/updates"

// BotfeedAdapter integrates the bot-messaging platform over its long-poll
// update feed. The update offset is persisted as a cursor so a restart
// resumes after the last confirmed update instead of replaying the feed.
type BotfeedAdapter struct {
	cfg       config.BotfeedConfig
	store     *cursor.Store
	dedup     *dedup.Deduplicator
	publisher bus.Publisher
	bot       *tgbotapi.BotAPI
}

func NewBotfeedAdapter(cfg config.BotfeedConfig, store *cursor.Store, dd *dedup.Deduplicator, publisher bus.Publisher) *BotfeedAdapter {
	return &BotfeedAdapter{
		cfg:       cfg,
		store:     store,
		dedup:     dd,
		publisher: publisher,
	}
}

func (b *BotfeedAdapter) Name() string {
	return "botfeed"
}

func (b *BotfeedAdapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(b.cfg.BotToken)
	if err != nil {
		return errors.Wrap(err, "init botfeed client")
	}
	b.bot = bot

	slog.Info("Botfeed adapter started", "user", bot.Self.UserName)

	u := tgbotapi.NewUpdate(b.offset())
	u.Timeout = b.updateTimeout()

	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.handleUpdate(ctx, update)
			}
		}
	}()

	return nil
}

func (b *BotfeedAdapter) Stop(ctx context.Context) error {
	if b.bot != nil {
		b.bot.StopReceivingUpdates()
	}
	return nil
}

func (b *BotfeedAdapter) Health(ctx context.Context) error {
	if b.bot == nil {
		return errors.Transient("botfeed client not initialized")
	}
	if _, err := b.bot.GetMe(); err != nil {
		return errors.Transient("botfeed connection failed: " + err.Error())
	}
	return nil
}

// offset resumes from the persisted cursor; zero means the platform decides
// where the feed starts.
func (b *BotfeedAdapter) offset() int {
	pos := b.store.Get(botfeedResourceKey)
	if pos.IsZero() {
		return 0
	}
	offset, err := strconv.Atoi(pos.Value)
	if err != nil {
		slog.Warn("Corrupt botfeed cursor, restarting feed", "value", pos.Value)
		return 0
	}
	return offset
}

func (b *BotfeedAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	dedupKey := fmt.Sprintf("botfeed:%d", update.UpdateID)
	if !b.dedup.Admit(dedupKey) {
		slog.Debug("Duplicate botfeed update suppressed", "key", dedupKey)
		b.advance(update.UpdateID)
		return
	}

	payload, err := json.Marshal(update)
	if err != nil {
		slog.Error("Failed to marshal botfeed update", "update_id", update.UpdateID, "error", err)
		return
	}

	metadata := map[string]string{
		"update_id": strconv.Itoa(update.UpdateID),
	}
	if update.Message != nil {
		metadata["chat_id"] = strconv.FormatInt(update.Message.Chat.ID, 10)
		metadata["msg_id"] = strconv.Itoa(update.Message.MessageID)
	}

	evt := bus.NewEvent("botfeed", botfeedResourceKey, bus.TypeMessageCreated, payload, metadata)
	if err := b.publisher.Publish(ctx, evt); err != nil {
		// The cursor stays put so the update is fetched again next session.
		slog.Error("Failed to publish botfeed update", "update_id", update.UpdateID, "error", err)
		return
	}

	b.advance(update.UpdateID)
}

// advance confirms an update: the next session resumes strictly after it.
func (b *BotfeedAdapter) advance(updateID int) {
	pos := cursor.Position{Kind: cursor.KindOffset, Value: strconv.Itoa(updateID + 1)}
	if err := b.store.Advance(botfeedResourceKey, pos); err != nil {
		slog.Error("Failed to persist botfeed cursor", "error", err)
	}
}

func (b *BotfeedAdapter) updateTimeout() int {
	if b.cfg.UpdateTimeout > 0 {
		return b.cfg.UpdateTimeout
	}
	return config.DefaultBotfeedTimeout
}
