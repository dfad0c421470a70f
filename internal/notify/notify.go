// Package notify posts import summaries to a Telegram admin chat. The
// notifier is optional; without a configured token all notifications are
// silently dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"

	"github.com/chatlens/chatlens/internal/ingest"
)

// Notifier receives import lifecycle events.
type Notifier interface {
	ImportCompleted(ctx context.Context, filename string, result *ingest.Result)
}

// NewTelegramNotifier creates a notifier posting to the given admin chat.
func NewTelegramNotifier(token string, adminChatID int64, logger *slog.Logger) (Notifier, error) {
	b, err := tgbot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	return &telegramNotifier{
		bot:         b,
		adminChatID: adminChatID,
		logger:      logger.With("component", "notify"),
	}, nil
}

type telegramNotifier struct {
	bot         *tgbot.Bot
	adminChatID int64
	logger      *slog.Logger
}

func (n *telegramNotifier) ImportCompleted(ctx context.Context, filename string, result *ingest.Result) {
	text := fmt.Sprintf(
		"Import of %s finished.\nMessages: %d new, %d skipped.\nReactions: %d new, %d skipped.\nUsers: %d.",
		filename,
		result.MessagesInserted, result.MessagesSkipped,
		result.ReactionsInserted, result.ReactionsSkipped,
		result.UsersUpserted)
	if result.MessageErrors+result.ReactionErrors > 0 {
		text += fmt.Sprintf("\nItem errors: %d messages, %d reactions.",
			result.MessageErrors, result.ReactionErrors)
	}

	_, err := n.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: n.adminChatID,
		Text:   text,
	})
	if err != nil {
		// Notification failures never affect the import itself.
		n.logger.WarnContext(ctx, "Failed to send import notification", "error", err)
		return
	}
	n.logger.InfoContext(ctx, "Import notification sent", "chat_id", n.adminChatID)
}

// NopNotifier drops all notifications.
type NopNotifier struct{}

func (NopNotifier) ImportCompleted(context.Context, string, *ingest.Result) {}
