package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// sender is the slice of the Telegram client the alerter uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter delivers alerts to one Telegram chat.
type TelegramAlerter struct {
	api    sender
	chatID int64
	logger zerolog.Logger
}

// NewTelegramAlerter dials Telegram and verifies the bot token.
func NewTelegramAlerter(cfg config.AlertsConfig) (*TelegramAlerter, error) {
	if cfg.TelegramToken == "" {
		return nil, errs.New(errs.ConfigInvalid, "telegram alerts enabled without a bot token")
	}
	if cfg.TelegramChat == 0 {
		return nil, errs.New(errs.ConfigInvalid, "telegram alerts enabled without a chat id")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "dialing telegram")
	}

	logger := config.NewLogger("alerts")
	logger.Info().Str("bot", bot.Self.UserName).Msg("Telegram alerter connected")

	return &TelegramAlerter{
		api:    bot,
		chatID: cfg.TelegramChat,
		logger: logger,
	}, nil
}

// Send delivers the alert as a Markdown message. The Telegram client
// has no context plumbing, so cancellation is honored before the call.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram alert %q: %w", alert.Title, err)
	}
	return nil
}

// formatAlert renders the alert for Telegram. Messages pass through the
// redactor so upstream error text never leaks credentials into a chat.
func formatAlert(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	}

	return fmt.Sprintf("%s *%s*\n\n%s\n\n_%s_",
		emoji,
		alert.Title,
		errs.Redact(alert.Message),
		alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	)
}
