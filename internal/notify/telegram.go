package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
)

// TelegramSink sends alerts to one chat via the Bot API.
type TelegramSink struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegramSink builds a sink from config. The token comes from the
// environment only.
func NewTelegramSink(cfg config.TelegramNotifyConfig) (*TelegramSink, error) {
	if cfg.Token == "" {
		return nil, faults.New(faults.Validation, "telegram token is not set")
	}
	if cfg.ChatID == 0 {
		return nil, faults.New(faults.Validation, "telegram chat id is not set")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnavailable, err, "create telegram bot")
	}
	return &TelegramSink{bot: bot, chatID: cfg.ChatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, title, body string) error {
	text := fmt.Sprintf("⚠️ %s\n\n%s", title, body)
	_, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(s.chatID), text))
	return err
}
