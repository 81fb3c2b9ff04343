// Package telegram is the Telegram adapter: Bot API long polling in,
// chunked HTML messages out, with pairing, forum-topic awareness, and
// voice-note transcription.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/store"
)

// Channel is the Telegram adapter. Per-conversation state is keyed by a
// localKey: the chat id, or "<chatID>:topic:<threadID>" inside forum
// supergroups so every topic gets its own placeholders and history.
type Channel struct {
	*channels.BaseChannel
	bot     *telego.Bot
	config  config.TelegramConfig
	pairing store.PairingStore

	placeholders   sync.Map // localKey → messageID int
	stopThinking   sync.Map // localKey → *thinkingCancel
	typingCtrls    sync.Map // localKey → *typing.Controller
	streams        sync.Map // localKey → *DraftStream
	reactions      sync.Map // localKey → *StatusReactionController
	pairingSent    sync.Map // userID or chatID → time.Time, debounces pairing replies
	threadIDs      sync.Map // localKey → messageThreadID int
	approvedGroups sync.Map // chat id string → true, cached group pairing

	groupHistory   *channels.PendingHistory
	historyLimit   int
	requireMention bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

type thinkingCancel struct {
	fn context.CancelFunc
}

func (c *thinkingCancel) Cancel() {
	if c != nil && c.fn != nil {
		c.fn()
	}
}

// New builds the adapter from config. pairingSvc may be nil, in which
// case the "pairing" DM policy degrades to allowlist-only.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		pairing:        pairingSvc,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
		requireMention: requireMention,
	}, nil
}

// Start opens the long-polling stream and begins draining updates. It
// returns as soon as polling is established.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"callback_query",
			"my_chat_member",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go c.syncMenuWithRetry(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				c.routeUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// routeUpdate fans one update out to the right handler.
func (c *Channel) routeUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update)
	case update.CallbackQuery != nil:
		c.handleCallbackQuery(ctx, update.CallbackQuery)
	default:
		kind := "unknown"
		switch {
		case update.EditedMessage != nil:
			kind = "edited_message"
		case update.ChannelPost != nil:
			kind = "channel_post"
		case update.MyChatMember != nil:
			kind = "my_chat_member"
		case update.ChatMember != nil:
			kind = "chat_member"
		}
		slog.Debug("telegram update skipped (no message)", "type", kind, "update_id", update.UpdateID)
	}
}

// syncMenuWithRetry registers the bot command menu, retrying a couple of
// times since this races bot startup.
func (c *Channel) syncMenuWithRetry(ctx context.Context) {
	commands := DefaultMenuCommands()
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.SyncMenuCommands(ctx, commands)
		if err == nil {
			slog.Info("telegram menu commands synced")
			return
		}
		slog.Warn("telegram menu command sync failed", "error", err, "attempt", attempt)
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt*5) * time.Second):
			}
		}
	}
}

// StreamEnabled reports whether partial streaming previews are on.
func (c *Channel) StreamEnabled() bool {
	return c.config.StreamMode == "partial"
}

// Stop cancels polling and waits for the update goroutine to exit, so
// Telegram releases the getUpdates lock before any successor instance.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// parseChatID converts a decimal chat id string to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// parseRawChatID strips any ":topic:N" suffix off a localKey and parses
// the remaining chat id.
func parseRawChatID(key string) (int64, error) {
	raw := key
	if idx := strings.Index(key, ":topic:"); idx > 0 {
		raw = key[:idx]
	}
	return parseChatID(raw)
}

// telegramGeneralTopicID is the implicit "General" topic in forum
// supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend maps a topic id onto what send/edit calls
// accept: the General topic must be omitted or Telegram rejects the call
// with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
