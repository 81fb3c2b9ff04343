package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openclaw/gateway/internal/bus"
)

// handleBotCommand intercepts the adapter-level bot commands. Returns
// true when the message was consumed; anything else flows on to the
// agent.
func (c *Channel) handleBotCommand(ctx context.Context, chatID int64, chatIDStr, localKey, text, senderID string, isGroup, isForum bool, messageThreadID int) bool {
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	// "/cmd@botname arg" → "/cmd"
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.ToLower(strings.SplitN(cmd, "@", 2)[0])

	reply := func(text string) {
		msg := tu.Message(tu.ID(chatID), text)
		if tid := resolveThreadIDForSend(messageThreadID); tid > 0 {
			msg.MessageThreadID = tid
		}
		c.bot.SendMessage(ctx, msg)
	}

	switch cmd {
	case "/start":
		// /start goes through to the agent as a normal first message.
		return false

	case "/help":
		reply("Available commands:\n" +
			"/start — Start chatting with the bot\n" +
			"/help — Show this help message\n" +
			"/reset — Reset conversation history\n" +
			"/status — Show bot status\n" +
			"\nJust send a message to chat with the AI.")
		return true

	case "/reset":
		peerKind := "direct"
		if isGroup {
			peerKind = "group"
		}
		c.Bus().PublishInbound(bus.InboundMessage{
			Channel:  c.Name(),
			SenderID: senderID,
			ChatID:   chatIDStr,
			Content:  "/reset",
			PeerKind: peerKind,
			AgentID:  c.AgentID(),
			UserID:   strings.SplitN(senderID, "|", 2)[0],
			Metadata: map[string]string{
				"command":           "reset",
				"local_key":         localKey,
				"is_forum":          fmt.Sprintf("%t", isForum),
				"message_thread_id": fmt.Sprintf("%d", messageThreadID),
			},
		})
		reply("Conversation history has been reset.")
		return true

	case "/status":
		reply(fmt.Sprintf("Bot status: Running\nChannel: Telegram\nBot: @%s", c.bot.Username()))
		return true
	}

	return false
}

// --- Pairing replies ---

func buildPairingReply(telegramUserID, code string) string {
	return fmt.Sprintf(
		"OpenClaw: access not configured.\n\nYour Telegram user id: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  openclaw pairing approve %s",
		telegramUserID, code, code,
	)
}

// sendPairingReply issues a pairing code to an unknown DM sender. Replies
// to the same user are debounced so a burst of messages yields one code.
func (c *Channel) sendPairingReply(ctx context.Context, chatID int64, userID, username string) {
	if c.pairing == nil {
		return
	}
	if last, ok := c.pairingSent.Load(userID); ok && time.Since(last.(time.Time)) < pairingReplyDebounce {
		slog.Debug("pairing reply debounced", "user_id", userID)
		return
	}

	code, err := c.pairing.RequestPairing(userID, c.Name(), fmt.Sprintf("%d", chatID), "default")
	if err != nil {
		slog.Debug("pairing request failed", "user_id", userID, "error", err)
		return
	}

	msg := tu.Message(tu.ID(chatID), buildPairingReply(userID, code))
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("pairing reply send failed", "chat_id", chatID, "error", err)
		return
	}
	c.pairingSent.Store(userID, time.Now())
	slog.Info("telegram pairing reply sent", "user_id", userID, "username", username, "code", code)
}

// sendGroupPairingReply is the group-chat variant, keyed and debounced by
// chat id.
func (c *Channel) sendGroupPairingReply(ctx context.Context, chatID int64, chatIDStr, groupSenderID string) {
	if last, ok := c.pairingSent.Load(chatIDStr); ok && time.Since(last.(time.Time)) < pairingReplyDebounce {
		return
	}

	code, err := c.pairing.RequestPairing(groupSenderID, c.Name(), chatIDStr, "default")
	if err != nil {
		slog.Debug("group pairing request failed", "chat_id", chatIDStr, "error", err)
		return
	}

	text := fmt.Sprintf(
		"This group is not approved yet.\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  openclaw pairing approve %s",
		code, code,
	)
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("group pairing reply send failed", "chat_id", chatIDStr, "error", err)
		return
	}
	c.pairingSent.Store(chatIDStr, time.Now())
	slog.Info("telegram group pairing reply sent", "chat_id", chatIDStr, "code", code)
}

// SendPairingApproved notifies a freshly approved user.
func (c *Channel) SendPairingApproved(ctx context.Context, chatID, botName string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if botName == "" {
		botName = "OpenClaw"
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(id),
		fmt.Sprintf("✅ %s access approved. Send a message to start chatting.", botName)))
	return err
}

// SyncMenuCommands replaces the bot's command menu via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	if len(commands) > 100 {
		commands = commands[:100]
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

// DefaultMenuCommands is the menu registered at startup.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Start chatting with the bot"},
		{Command: "help", Description: "Show available commands"},
		{Command: "reset", Description: "Reset conversation history"},
		{Command: "status", Description: "Show bot status"},
	}
}
