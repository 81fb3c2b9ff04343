package telegram

import (
	"context"
	"log/slog"

	"github.com/mymmrac/telego"
)

// handleCallbackQuery acknowledges inline-keyboard callbacks. The adapter
// itself attaches no keyboards; acknowledging anyway keeps clients from
// showing a stuck spinner when a stale or forwarded keyboard is tapped.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	if query == nil {
		return
	}
	slog.Debug("telegram callback query", "id", query.ID, "data", query.Data)
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		slog.Debug("callback ack failed", "id", query.ID, "error", err)
	}
}
