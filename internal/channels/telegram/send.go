package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels/typing"
)

// Telegram error classes handled gracefully rather than surfaced.
var (
	parseErrRe       = regexp.MustCompile(`(?i)can't parse entities|parse entities|find end of the entity`)
	notModifiedRe    = regexp.MustCompile(`(?i)message is not modified`)
)

// Send delivers one outbound message: it retires the activity indicators,
// reuses the "Thinking..." placeholder where an edit fits, and otherwise
// sends chunked HTML or media.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}
	chatID, err := parseRawChatID(localKey)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	var replyTo, threadID int
	if v := msg.Metadata["reply_to_message_id"]; v != "" {
		fmt.Sscanf(v, "%d", &replyTo)
	}
	if v := msg.Metadata["message_thread_id"]; v != "" {
		fmt.Sscanf(v, "%d", &threadID)
	}

	// Retry notifications edit the placeholder in place and keep it alive
	// for the eventual final response.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(localKey); ok {
			_ = c.editMessage(ctx, chatID, pID.(int), msg.Content)
		}
		return nil
	}

	c.stopIndicators(localKey)

	// Empty content with no media means the agent chose silence; the
	// placeholder goes away without a message.
	if msg.Content == "" && len(msg.Media) == 0 {
		c.discardPlaceholder(ctx, chatID, localKey)
		return nil
	}

	if len(msg.Media) > 0 {
		c.discardPlaceholder(ctx, chatID, localKey)
		return c.sendMedia(ctx, chatID, msg, replyTo, threadID)
	}

	htmlContent := markdownToTelegramHTML(msg.Content)

	// A short response can land as an edit of the placeholder. When the
	// edit fails or the content needs chunking, the placeholder is
	// deleted and fresh messages go out instead.
	if pID, ok := c.placeholders.Load(localKey); ok {
		c.placeholders.Delete(localKey)
		if len(htmlContent) <= telegramMaxMessageLen {
			if err := c.editMessage(ctx, chatID, pID.(int), htmlContent); err == nil {
				return nil
			}
		}
		_ = c.deleteMessage(ctx, chatID, pID.(int))
	}

	// Only the first chunk replies to the triggering message.
	for i, chunk := range chunkHTML(htmlContent, telegramMaxMessageLen) {
		chunkReplyTo := 0
		if i == 0 {
			chunkReplyTo = replyTo
		}
		if err := c.sendHTML(ctx, chatID, chunk, chunkReplyTo, threadID); err != nil {
			return err
		}
	}
	return nil
}

// stopIndicators cancels the thinking animation and typing keepalive for
// one conversation.
func (c *Channel) stopIndicators(localKey string) {
	if stop, ok := c.stopThinking.LoadAndDelete(localKey); ok {
		if cf, ok := stop.(*thinkingCancel); ok {
			cf.Cancel()
		}
	}
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// discardPlaceholder deletes the pending "Thinking..." message, if any.
func (c *Channel) discardPlaceholder(ctx context.Context, chatID int64, localKey string) {
	if pID, ok := c.placeholders.LoadAndDelete(localKey); ok {
		_ = c.deleteMessage(ctx, chatID, pID.(int))
	}
}

// sendMedia delivers attachments. The message text becomes the first
// item's caption; overflow past the caption limit follows as text.
func (c *Channel) sendMedia(ctx context.Context, chatID int64, msg bus.OutboundMessage, replyTo, threadID int) error {
	chatIDObj := tu.ID(chatID)

	for _, media := range msg.Media {
		caption := media.Caption
		if caption == "" && msg.Content != "" {
			caption = msg.Content
			msg.Content = ""
		}

		var overflow string
		if len(caption) > telegramCaptionMaxLen {
			overflow = caption[telegramCaptionMaxLen:]
			caption = caption[:telegramCaptionMaxLen]
		}

		var err error
		ct := strings.ToLower(media.ContentType)
		switch {
		case media.AsVoice && strings.HasPrefix(ct, "audio/"):
			err = c.sendVoiceNote(ctx, chatIDObj, media.URL, replyTo, threadID)
		case strings.HasPrefix(ct, "image/"):
			err = c.sendFile(ctx, chatIDObj, media.URL, caption, replyTo, threadID, fileKindPhoto)
		case strings.HasPrefix(ct, "video/"):
			err = c.sendFile(ctx, chatIDObj, media.URL, caption, replyTo, threadID, fileKindVideo)
		case strings.HasPrefix(ct, "audio/"):
			err = c.sendFile(ctx, chatIDObj, media.URL, caption, replyTo, threadID, fileKindAudio)
		default:
			err = c.sendFile(ctx, chatIDObj, media.URL, caption, replyTo, threadID, fileKindDocument)
		}
		if err != nil {
			return err
		}
		replyTo = 0

		if overflow != "" {
			for _, chunk := range chunkHTML(markdownToTelegramHTML(overflow), telegramMaxMessageLen) {
				if err := c.sendHTML(ctx, chatID, chunk, 0, threadID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// sendHTML sends one HTML-formatted message, retrying as plain text when
// Telegram rejects the markup.
func (c *Channel) sendHTML(ctx context.Context, chatID int64, html string, replyTo, threadID int) error {
	tgMsg := tu.Message(tu.ID(chatID), html)
	tgMsg.ParseMode = telego.ModeHTML
	if c.config.LinkPreview != nil && !*c.config.LinkPreview {
		tgMsg.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if tid := resolveThreadIDForSend(threadID); tid > 0 {
		tgMsg.MessageThreadID = tid
	}
	if replyTo > 0 {
		tgMsg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
		if parseErrRe.MatchString(err.Error()) {
			slog.Warn("HTML parse failed, falling back to plain text", "error", err)
			tgMsg.ParseMode = ""
			_, err = c.bot.SendMessage(ctx, tgMsg)
			return err
		}
		return err
	}
	return nil
}

type fileKind int

const (
	fileKindPhoto fileKind = iota
	fileKindVideo
	fileKindAudio
	fileKindDocument
)

// sendFile uploads one local file as the given media kind.
func (c *Channel) sendFile(ctx context.Context, chatID telego.ChatID, path, caption string, replyTo, threadID int, kind fileKind) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open media %s: %w", path, err)
	}
	defer f.Close()

	input := telego.InputFile{File: f}
	parseMode := ""
	if caption != "" {
		parseMode = telego.ModeHTML
	}
	tid := resolveThreadIDForSend(threadID)
	var reply *telego.ReplyParameters
	if replyTo > 0 {
		reply = &telego.ReplyParameters{MessageID: replyTo}
	}

	switch kind {
	case fileKindPhoto:
		_, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: chatID, Photo: input, Caption: caption, ParseMode: parseMode,
			MessageThreadID: tid, ReplyParameters: reply,
		})
	case fileKindVideo:
		_, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID: chatID, Video: input, Caption: caption, ParseMode: parseMode,
			MessageThreadID: tid, ReplyParameters: reply,
		})
	case fileKindAudio:
		_, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: chatID, Audio: input, Caption: caption, ParseMode: parseMode,
			MessageThreadID: tid, ReplyParameters: reply,
		})
	default:
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: chatID, Document: input, Caption: caption, ParseMode: parseMode,
			MessageThreadID: tid, ReplyParameters: reply,
		})
	}
	return err
}

// sendVoiceNote uploads an OGG/Opus file as a playable voice message.
func (c *Channel) sendVoiceNote(ctx context.Context, chatID telego.ChatID, path string, replyTo, threadID int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open voice %s: %w", path, err)
	}
	defer f.Close()

	params := &telego.SendVoiceParams{
		ChatID: chatID,
		Voice:  telego.InputFile{File: f},
	}
	if tid := resolveThreadIDForSend(threadID); tid > 0 {
		params.MessageThreadID = tid
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}
	_, err = c.bot.SendVoice(ctx, params)
	return err
}

// editMessage replaces a message's text; a no-op edit is not an error.
func (c *Channel) editMessage(ctx context.Context, chatID int64, messageID int, htmlText string) error {
	edit := tu.EditMessageText(tu.ID(chatID), messageID, htmlText)
	edit.ParseMode = telego.ModeHTML
	if _, err := c.bot.EditMessageText(ctx, edit); err != nil {
		if notModifiedRe.MatchString(err.Error()) {
			return nil
		}
		return err
	}
	return nil
}

// deleteMessage removes a message from the chat.
func (c *Channel) deleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
}
