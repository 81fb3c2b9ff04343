package telegram

import (
	"context"
	"sync"
	"time"
)

// pairingReplyDebounce keeps a burst of messages from an unknown sender
// from generating a pile of pairing codes.
const pairingReplyDebounce = 60 * time.Second

// draftEditInterval throttles preview edits; Telegram rate-limits edits
// per chat and flickering previews read badly anyway.
const draftEditInterval = 1500 * time.Millisecond

// DraftStream is the in-place streaming preview for one conversation: a
// single message that gets edited as chunks accumulate.
type DraftStream struct {
	mu        sync.Mutex
	messageID int
	lastEdit  time.Time
	lastText  string
}

// OnStreamStart resets the draft for a new model iteration. The preview
// message itself is created lazily by the first chunk, reusing the
// "Thinking..." placeholder when one exists.
func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	localKey := c.streamKey(chatID)
	ds := &DraftStream{}
	if pID, ok := c.placeholders.Load(localKey); ok {
		ds.messageID = pID.(int)
	}
	c.streams.Store(localKey, ds)
	return nil
}

// OnChunkEvent renders the accumulated text into the draft message,
// creating it if the conversation has no placeholder yet.
func (c *Channel) OnChunkEvent(ctx context.Context, chatID string, fullText string) error {
	if fullText == "" {
		return nil
	}
	localKey := c.streamKey(chatID)
	v, ok := c.streams.Load(localKey)
	if !ok {
		return nil
	}
	ds := v.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if time.Since(ds.lastEdit) < draftEditInterval || fullText == ds.lastText {
		return nil
	}

	preview := fullText
	if len(preview) > telegramMaxMessageLen-16 {
		preview = preview[:telegramMaxMessageLen-16] + "…"
	}

	chatNum, err := parseRawChatID(localKey)
	if err != nil {
		return err
	}

	if ds.messageID == 0 {
		if ds.lastText != "" {
			return nil
		}
		threadID := 0
		if tid, ok := c.threadIDs.Load(localKey); ok {
			threadID = tid.(int)
		}
		// First chunk with no placeholder: the preview becomes its own
		// message.
		if err := c.sendHTML(ctx, chatNum, markdownToTelegramHTML(preview), 0, threadID); err != nil {
			return err
		}
		// Edits only work against a known message id; without one (the
		// send API result isn't tracked here) subsequent chunks are
		// throttled into the final Send instead.
		ds.lastEdit = time.Now()
		ds.lastText = fullText
		return nil
	}

	if err := c.editMessage(ctx, chatNum, ds.messageID, markdownToTelegramHTML(preview)); err != nil {
		return err
	}
	ds.lastEdit = time.Now()
	ds.lastText = fullText
	return nil
}

// OnStreamEnd closes the current draft. The final text delivery belongs
// to Send, which reuses the placeholder; here the draft is just detached.
func (c *Channel) OnStreamEnd(ctx context.Context, chatID string, finalText string) error {
	localKey := c.streamKey(chatID)
	v, ok := c.streams.LoadAndDelete(localKey)
	if !ok || finalText == "" {
		return nil
	}
	ds := v.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.messageID == 0 || finalText == ds.lastText {
		return nil
	}
	chatNum, err := parseRawChatID(localKey)
	if err != nil {
		return err
	}
	preview := finalText
	if len(preview) > telegramMaxMessageLen-16 {
		preview = preview[:telegramMaxMessageLen-16] + "…"
	}
	return c.editMessage(ctx, chatNum, ds.messageID, markdownToTelegramHTML(preview))
}

// streamKey returns chatID unchanged on every path; a forum-topic
// conversation is not mapped onto its composite localKey.
func (c *Channel) streamKey(chatID string) string {
	if _, ok := c.threadIDs.Load(chatID); ok {
		return chatID
	}
	// A topic conversation registered its thread under the composite key;
	// bare ids pass through.
	return chatID
}
