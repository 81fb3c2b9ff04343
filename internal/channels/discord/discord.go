// Package discord is the Discord adapter, built on discordgo's gateway
// events: DMs and guild channels in, 2000-char chunked messages out.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels"
	"github.com/openclaw/gateway/internal/channels/typing"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/store"
)

const (
	pairingDebounce = 60 * time.Second

	// discordMaxMessageLen is the hard per-message limit.
	discordMaxMessageLen = 2000
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // known after Start
	requireMention bool

	placeholders sync.Map // inbound message id → placeholder message id
	typingCtrls  sync.Map // channel id → *typing.Controller
	pairing      store.PairingStore
	pairingSent  sync.Map // sender id → time.Time

	groupHistory *channels.PendingHistory
	historyLimit int
}

// New builds the adapter; pairingSvc may be nil (pairing DMs then fall
// back to the allowlist).
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		pairing:        pairingSvc,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
	}, nil
}

// Start opens the gateway connection and resolves the bot's own identity,
// which the mention gate needs.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one outbound message, reusing the "Thinking..."
// placeholder for the first chunk when possible.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	// Placeholders key by the inbound message id, not the channel, so two
	// quick messages in one channel don't race over one placeholder.
	placeholderKey := channelID
	if pk := msg.Metadata["placeholder_key"]; pk != "" {
		placeholderKey = pk
	}

	// Retry notices edit the placeholder but leave it alive for the final
	// response.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(placeholderKey); ok {
			_, _ = c.session.ChannelMessageEdit(channelID, pID.(string), msg.Content)
		}
		return nil
	}

	if ctrl, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*typing.Controller).Stop()
	}

	// Empty content is a suppressed reply; the placeholder disappears.
	if msg.Content == "" {
		if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
			_ = c.session.ChannelMessageDelete(channelID, pID.(string))
		}
		return nil
	}

	content := msg.Content
	if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
		first, rest := splitAt(content, discordMaxMessageLen)
		if _, err := c.session.ChannelMessageEdit(channelID, pID.(string), first); err == nil {
			if rest == "" {
				return nil
			}
			return c.sendChunked(channelID, rest)
		}
		slog.Warn("discord: placeholder edit failed, sending new message",
			"channel_id", channelID, "placeholder_id", pID.(string))
	}

	return c.sendChunked(channelID, content)
}

// sendChunked sends content as as many messages as the length limit
// demands.
func (c *Channel) sendChunked(channelID, content string) error {
	for content != "" {
		var chunk string
		chunk, content = splitAt(content, discordMaxMessageLen)
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitAt cuts s at maxLen, preferring a newline in the back half of the
// window.
func splitAt(s string, maxLen int) (head, tail string) {
	if len(s) <= maxLen {
		return s, ""
	}
	cut := maxLen
	if idx := strings.LastIndexByte(s[:maxLen], '\n'); idx > maxLen/2 {
		cut = idx + 1
	}
	return s[:cut], s[cut:]
}

// handleMessage receives one gateway message event.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// The bot's own messages and other bots don't start turns.
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := displayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if isDM {
		if !c.admitDM(senderID, channelID) {
			return
		}
	} else if !c.CheckPolicy("group", "", c.config.GroupPolicy, senderID) {
		slog.Debug("discord group message rejected by policy", "user_id", senderID, "username", senderName)
		return
	}

	// A configured allowlist applies even under the open policy.
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID, "username", senderName)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	// Mention gate: unaddressed guild messages accumulate as pending
	// context instead of starting turns.
	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			c.groupHistory.Record(channelID, channels.HistoryEntry{
				Sender:    senderName,
				Body:      content,
				Timestamp: m.Timestamp,
				MessageID: m.ID,
			}, c.historyLimit)
			slog.Debug("discord group message recorded (no mention)",
				"channel_id", channelID, "user_id", senderID, "username", senderName)
			return
		}
	}

	slog.Debug("discord message received",
		"sender_id", senderID, "channel_id", channelID, "is_dm", isDM,
		"preview", channels.Truncate(content, 50))

	// Discord's typing state lasts 10s; keepalive at 9s, hard stop at 60s.
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(channelID, ctrl)
	ctrl.Start()

	if placeholder, err := c.session.ChannelMessageSend(channelID, "Thinking..."); err == nil {
		c.placeholders.Store(m.ID, placeholder.ID)
	}

	finalContent := content
	if peerKind == "group" {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderName, content)
		if c.historyLimit > 0 {
			finalContent = c.groupHistory.BuildContext(channelID, annotated, c.historyLimit)
		} else {
			finalContent = annotated
		}
	}

	metadata := map[string]string{
		"message_id":      m.ID,
		"user_id":         senderID,
		"username":        m.Author.Username,
		"display_name":    senderName,
		"guild_id":        m.GuildID,
		"channel_id":      channelID,
		"is_dm":           fmt.Sprintf("%t", isDM),
		"placeholder_key": m.ID,
	}

	c.HandleMessage(senderID, channelID, finalContent, nil, metadata, peerKind)

	if peerKind == "group" {
		c.groupHistory.Clear(channelID)
	}
}

// admitDM applies the DM policy, issuing a pairing code to unknown
// senders under the pairing default.
func (c *Channel) admitDM(senderID, channelID string) bool {
	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing"
	}

	switch policy {
	case "disabled":
		slog.Debug("discord DM rejected: disabled", "sender_id", senderID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(senderID) {
			slog.Debug("discord DM rejected by allowlist", "sender_id", senderID)
			return false
		}
		return true
	default:
		paired := c.pairing != nil && c.pairing.IsPaired(senderID, c.Name())
		listed := c.HasAllowList() && c.IsAllowed(senderID)
		if paired || listed {
			return true
		}
		c.sendPairingReply(senderID, channelID)
		return false
	}
}

// sendPairingReply DMs a pairing code, debounced per sender.
func (c *Channel) sendPairingReply(senderID, channelID string) {
	if c.pairing == nil {
		return
	}
	if last, ok := c.pairingSent.Load(senderID); ok && time.Since(last.(time.Time)) < pairingDebounce {
		return
	}

	code, err := c.pairing.RequestPairing(senderID, c.Name(), channelID, "default")
	if err != nil {
		slog.Debug("discord pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	text := fmt.Sprintf(
		"OpenClaw: access not configured.\n\nYour Discord user ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  openclaw pairing approve %s",
		senderID, code, code,
	)
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("discord pairing reply send failed", "error", err)
		return
	}
	c.pairingSent.Store(senderID, time.Now())
	slog.Info("discord pairing reply sent", "sender_id", senderID, "code", code)
}

// displayName picks the richest name available: server nickname, then
// global display name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
