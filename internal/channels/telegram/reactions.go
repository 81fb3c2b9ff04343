package telegram

import (
	"context"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// StatusReactionController tracks the emoji currently shown on the
// triggering message so transitions replace rather than stack.
type StatusReactionController struct {
	mu        sync.Mutex
	messageID int
	current   string
}

// statusEmoji maps run status to Telegram's closed reaction set.
var statusEmoji = map[string]string{
	"thinking": "🤔",
	"tool":     "⚡",
	"done":     "👌",
	"error":    "👎",
}

// OnReactionEvent mirrors run status as a reaction on the user's message.
// Level "minimal" only shows terminal states; "off" (or empty) disables
// reactions entirely.
func (c *Channel) OnReactionEvent(ctx context.Context, chatID string, messageID int, status string) error {
	level := c.config.ReactionLevel
	if level == "" || level == "off" {
		return nil
	}
	if level == "minimal" && status != "done" && status != "error" {
		return nil
	}

	emoji, ok := statusEmoji[status]
	if !ok {
		return nil
	}

	v, _ := c.reactions.LoadOrStore(chatID, &StatusReactionController{})
	ctrl := v.(*StatusReactionController)
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.messageID == messageID && ctrl.current == emoji {
		return nil
	}
	ctrl.messageID = messageID
	ctrl.current = emoji

	return c.setReaction(ctx, chatID, messageID, emoji)
}

// ClearReaction removes any reaction the bot placed on a message.
func (c *Channel) ClearReaction(ctx context.Context, chatID string, messageID int) error {
	if v, ok := c.reactions.Load(chatID); ok {
		ctrl := v.(*StatusReactionController)
		ctrl.mu.Lock()
		ctrl.current = ""
		ctrl.mu.Unlock()
	}
	return c.setReaction(ctx, chatID, messageID, "")
}

// setReaction issues the API call; empty emoji clears.
func (c *Channel) setReaction(ctx context.Context, chatID string, messageID int, emoji string) error {
	id, err := parseRawChatID(chatID)
	if err != nil {
		return err
	}
	var reactions []telego.ReactionType
	if emoji != "" {
		reactions = []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		}
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(id),
		MessageID: messageID,
		Reaction:  reactions,
	})
}
