package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// ErrNoChat возвращается, если у получателя не привязан Telegram.
var ErrNoChat = errors.New("recipient has no telegram chat")

// Sender: часть tgbotapi.BotAPI, нужная транспорту.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Transport доставляет уведомления в личные сообщения Telegram.
type Transport struct {
	bot Sender
}

var _ domain.MailTransport = (*Transport)(nil)

// NewTransport создаёт транспорт поверх бота.
func NewTransport(bot Sender) *Transport {
	return &Transport{bot: bot}
}

// Send отправляет текстовую часть письма, разбивая её под лимит Telegram.
func (t *Transport) Send(ctx context.Context, msg domain.Message) error {
	chatID := msg.To.TelegramChatID
	if chatID == 0 {
		return fmt.Errorf("user %d: %w", msg.To.ID, ErrNoChat)
	}
	text := msg.Text
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	for _, part := range SplitMessage(text, messageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := tgbotapi.NewMessage(chatID, part)
		out.DisableWebPagePreview = true
		start := time.Now()
		_, err := t.bot.Send(out)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", "sendMessage", start, err)
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
