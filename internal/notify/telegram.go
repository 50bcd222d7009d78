package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var icons = map[Severity]string{
	SeverityInfo:    "ℹ️",
	SeveritySuccess: "✅",
	SeverityWarning: "⚠️",
	SeverityError:   "❌",
}

// Telegram sends notifications as plain text messages to one chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot. An empty endpoint uses the public Bot API.
func NewTelegram(token string, chatID int64, endpoint string, hc *http.Client) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if hc == nil {
		hc = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, truncate(FormatText(n), 4096))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatText renders a notification for text-only channels.
func FormatText(n Notification) string {
	var b strings.Builder
	if icon, ok := icons[n.Severity]; ok {
		b.WriteString(icon)
		b.WriteByte(' ')
	}
	b.WriteString(n.Title)
	if n.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Description)
	}
	if len(n.Fields) > 0 {
		b.WriteByte('\n')
	}
	for _, f := range n.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}
