package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
	"presence-verifier/internal/services"
)

// ErrNoChat is returned when a participant has no linked Telegram chat
var ErrNoChat = errors.New("participant has no telegram chat")

// Notify delivers one notification to the participant's chat. A deep link in
// the payload becomes an inline button when an app base URL is configured.
func (b *Bot) Notify(ctx context.Context, n models.Notification) error {
	if n.ChatID == 0 {
		return fmt.Errorf("notify %s: %w", n.RecipientID, ErrNoChat)
	}

	msg := tgbotapi.NewMessage(n.ChatID, fmt.Sprintf("*%s*\n%s", n.Title, n.Body))
	msg.ParseMode = "Markdown"
	if link := n.Payload["deep_link"]; link != "" {
		if b.appBaseURL != "" {
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(
					tgbotapi.NewInlineKeyboardButtonURL("Verify now", b.appBaseURL+"/"+link),
				),
			)
		} else {
			msg.Text += fmt.Sprintf("\n\n`%s`", link)
		}
	}

	if _, err := b.sender.Send(msg); err != nil {
		return fmt.Errorf("send to %d: %w", n.ChatID, err)
	}
	return nil
}

// Ensure Bot implements the Notifier interface
var _ services.Notifier = (*Bot)(nil)

// Register subscribes the bot to completion and dead-letter events
func (b *Bot) Register(r *queue.Router) {
	r.Handle(models.MsgSessionFinalized, b.HandleSessionFinalized)
	r.Handle(models.MsgDeadLettered, b.HandleDeadLettered)
}

// HandleSessionFinalized announces a finalized session to the admin chat
func (b *Bot) HandleSessionFinalized(ctx context.Context, msg queue.Message) error {
	ev, err := queue.Decode[models.SessionFinalizedEvent](msg)
	if err != nil {
		return err
	}
	b.SendNotification(formatFinalized(ev))
	return nil
}

// HandleDeadLettered alerts the admin chat about a message that will not be retried
func (b *Bot) HandleDeadLettered(ctx context.Context, msg queue.Message) error {
	ev, err := queue.Decode[models.DeadLetterMessage](msg)
	if err != nil {
		return err
	}
	b.SendNotification(fmt.Sprintf("☠️ `%s` `%s` dead-lettered after %d attempt(s)\n```\n%s\n```",
		ev.OriginalMessageType, ev.OriginalMessageID, ev.Attempts, ev.ErrorMessage))
	return nil
}
