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
	"github.com/openclaw/gateway/internal/channels"
	"github.com/openclaw/gateway/internal/channels/typing"
)

// handleMessage drives one inbound Telegram message through admission,
// content assembly, gating, and publication to the bus.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	// Service messages (member joins, title changes, pins) carry no user
	// content and would pollute the mention gate and group history.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped",
			"chat_id", message.Chat.ID,
			"new_members", len(message.NewChatMembers),
			"left_member", message.LeftChatMember != nil)
		return
	}

	user := message.From
	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"is_group", isGroup,
		"user_id", user.ID,
		"username", user.Username,
		"channel", c.Name(),
		"text_preview", channels.Truncate(message.Text, 60))

	// Outside forums, message_thread_id is reply context, not a topic. In
	// a forum with no explicit topic the message belongs to General.
	isForum := isGroup && message.Chat.IsForum
	messageThreadID := 0
	if isForum {
		messageThreadID = message.MessageThreadID
		if messageThreadID == 0 {
			messageThreadID = telegramGeneralTopicID
		}
	}

	if !c.admit(ctx, message, isGroup, userID, senderID, user.Username) {
		return
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	// Forum topics keep separate per-conversation state under a composite
	// localKey.
	localKey := chatIDStr
	if isForum && messageThreadID > 0 {
		localKey = fmt.Sprintf("%s:topic:%d", chatIDStr, messageThreadID)
	}
	if messageThreadID > 0 {
		c.threadIDs.Store(localKey, messageThreadID)
	}

	content, mediaList, mediaPaths := c.assembleContent(ctx, message)

	// Forward/reply/location provenance rides along as inline context.
	msgCtx := buildMessageContext(message, c.bot.Username())
	content = enrichContentWithContext(content, msgCtx)
	if content == "" {
		content = "[empty message]"
	}

	if c.handleBotCommand(ctx, chatID, chatIDStr, localKey, content, senderID, isGroup, isForum, messageThreadID) {
		return
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	if isGroup && c.requireMention {
		mentioned := c.detectMention(message, c.bot.Username())
		if !mentioned && msgCtx.ReplyInfo != nil && msgCtx.ReplyInfo.IsBotReply {
			mentioned = true
		}

		slog.Debug("telegram group mention gate",
			"chat_id", chatID,
			"bot_username", c.bot.Username(),
			"require_mention", c.requireMention,
			"was_mentioned", mentioned,
			"text_preview", channels.Truncate(content, 60))

		if !mentioned {
			// Not addressed to us: remember the message as pending context
			// for whenever the bot is next mentioned.
			c.groupHistory.Record(localKey, channels.HistoryEntry{
				Sender:    senderLabel,
				Body:      content,
				Timestamp: time.Unix(int64(message.Date), 0),
				MessageID: fmt.Sprintf("%d", message.MessageID),
			}, c.historyLimit)
			slog.Debug("telegram group message recorded (no mention)", "chat_id", chatID, "sender", senderLabel)
			return
		}
	}

	// Group pairing gate, reached only on a mention.
	if isGroup && c.config.GroupPolicy == "pairing" && c.pairing != nil {
		if _, cached := c.approvedGroups.Load(chatIDStr); !cached {
			groupSenderID := fmt.Sprintf("group:%d", chatID)
			if c.pairing.IsPaired(groupSenderID, c.Name()) {
				c.approvedGroups.Store(chatIDStr, true)
			} else {
				c.sendGroupPairingReply(ctx, chatID, chatIDStr, groupSenderID)
				return
			}
		}
	}

	// In a group, annotate with the speaker and prepend pending history so
	// the agent sees the conversation that led to the mention.
	finalContent := content
	if isGroup {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
		if c.historyLimit > 0 {
			finalContent = c.groupHistory.BuildContext(localKey, annotated, c.historyLimit)
		} else {
			finalContent = annotated
		}
	}

	c.startActivityIndicators(ctx, chatID, localKey, messageThreadID, isGroup)

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    fmt.Sprintf("%d", user.ID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", isGroup),
		"local_key":  localKey,
	}
	if isForum {
		metadata["is_forum"] = "true"
		metadata["message_thread_id"] = fmt.Sprintf("%d", messageThreadID)
	}

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	// Voice turns can route to a dedicated speaking agent so they don't
	// land on a text-only router agent.
	targetAgentID := c.AgentID()
	if c.config.VoiceAgentID != "" {
		for _, m := range mediaList {
			if m.Type == "audio" || m.Type == "voice" {
				targetAgentID = c.config.VoiceAgentID
				slog.Debug("telegram: voice inbound routed to speaking agent",
					"agent_id", targetAgentID, "media_type", m.Type)
				break
			}
		}
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		SenderID:     senderID,
		ChatID:       chatIDStr,
		Content:      finalContent,
		Media:        mediaPaths,
		PeerKind:     peerKind,
		UserID:       userID,
		AgentID:      targetAgentID,
		HistoryLimit: c.historyLimit,
		Metadata:     metadata,
	})

	if isGroup {
		c.groupHistory.Clear(localKey)
	}
}

// admit applies the DM/group admission policy. Unknown DM senders under
// the pairing policy get a pairing code instead of silence.
func (c *Channel) admit(ctx context.Context, message *telego.Message, isGroup bool, userID, senderID, username string) bool {
	if isGroup {
		policy := c.config.GroupPolicy
		if policy == "" {
			policy = "open"
		}
		switch policy {
		case "disabled":
			slog.Debug("telegram group message rejected: groups disabled", "chat_id", message.Chat.ID)
			return false
		case "allowlist":
			if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
				slog.Debug("telegram group message rejected by allowlist",
					"user_id", userID, "username", username, "chat_id", message.Chat.ID)
				return false
			}
		}
		return true
	}

	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing"
	}
	switch policy {
	case "disabled":
		slog.Debug("telegram message rejected: DMs disabled", "user_id", userID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
			slog.Debug("telegram message rejected by allowlist", "user_id", userID, "username", username)
			return false
		}
		return true
	default:
		// "pairing" and anything unrecognized take the secure path.
		paired := false
		if c.pairing != nil {
			paired = c.pairing.IsPaired(userID, c.Name()) || c.pairing.IsPaired(senderID, c.Name())
		}
		listed := c.HasAllowList() && (c.IsAllowed(userID) || c.IsAllowed(senderID))
		if !paired && !listed {
			slog.Debug("telegram message rejected: sender not paired",
				"user_id", userID, "username", username, "dm_policy", policy)
			c.sendPairingReply(ctx, message.Chat.ID, userID, username)
			return false
		}
		return true
	}
}

// assembleContent merges text and caption, downloads media, transcribes
// voice notes, extracts document text, and prepends the media tag block.
func (c *Channel) assembleContent(ctx context.Context, message *telego.Message) (string, []mediaItem, []string) {
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaList := c.collectMedia(ctx, message)
	if len(mediaList) == 0 {
		return content, nil, nil
	}

	var mediaPaths []string
	var extra string
	for i := range mediaList {
		m := &mediaList[i]
		switch m.Type {
		case "audio", "voice":
			transcript, err := c.transcribeAudio(ctx, m.FilePath)
			if err != nil {
				slog.Warn("telegram: transcription failed, falling back to media placeholder",
					"type", m.Type, "error", err)
			} else {
				m.Transcript = transcript
			}
		case "document":
			if m.FileName != "" && m.FilePath != "" {
				text, err := documentText(m.FilePath, m.FileName)
				if err != nil {
					slog.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if text != "" {
					extra += "\n\n" + text
				}
			}
		case "video", "animation":
			if content == "" {
				extra += "\n\n[Video received — video content analysis is not yet supported, only caption text is processed]"
			}
		}
		if m.FilePath != "" {
			mediaPaths = append(mediaPaths, m.FilePath)
		}
	}

	// Tags render after the loop so transcripts are in place.
	if tags := renderMediaTags(mediaList); tags != "" {
		if content != "" {
			content = tags + "\n\n" + content
		} else {
			content = tags
		}
	}
	content += extra

	return content, mediaList, mediaPaths
}

// startActivityIndicators kicks off the typing indicator and, in DMs, a
// placeholder message the streaming path will edit in place. Groups get
// no placeholder — it would drift away as new messages arrive.
func (c *Channel) startActivityIndicators(ctx context.Context, chatID int64, localKey string, messageThreadID int, isGroup bool) {
	chatIDObj := tu.ID(chatID)

	// Telegram's typing state expires after 5s; keepalive at 4s, hard
	// stop at 60s so a crashed run can't leave the indicator stuck.
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			action := tu.ChatAction(chatIDObj, telego.ChatActionTyping)
			if messageThreadID > 0 {
				action.MessageThreadID = messageThreadID
			}
			return c.bot.SendChatAction(ctx, action)
		},
	})
	if prev, ok := c.typingCtrls.Load(localKey); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(localKey, ctrl)
	ctrl.Start()

	if prevStop, ok := c.stopThinking.Load(localKey); ok {
		if cf, ok := prevStop.(*thinkingCancel); ok {
			cf.Cancel()
		}
	}
	_, thinkCancel := context.WithCancel(ctx)
	c.stopThinking.Store(localKey, &thinkingCancel{fn: thinkCancel})

	if !isGroup {
		thinkMsg := tu.Message(chatIDObj, "Thinking...")
		if tid := resolveThreadIDForSend(messageThreadID); tid > 0 {
			thinkMsg.MessageThreadID = tid
		}
		if pMsg, err := c.bot.SendMessage(ctx, thinkMsg); err == nil {
			c.placeholders.Store(localKey, pMsg.MessageID)
		}
	}
}

// detectMention looks for the bot in entities, captions, raw text, and
// reply targets. Photos carry Caption/CaptionEntities instead of Text.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Replying to the bot counts as addressing it.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == botUsername {
		return true
	}

	return false
}

// isServiceMessage reports whether msg is a system notification (member
// joined, title changed, pinned, ...) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
