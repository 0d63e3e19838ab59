package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
)

// DiscordSink sends alerts to one channel.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordSink builds a sink from config. The token comes from the
// environment only. The session stays in REST-only mode; alerts need no
// gateway connection.
func NewDiscordSink(cfg config.DiscordNotifyConfig) (*DiscordSink, error) {
	if cfg.Token == "" {
		return nil, faults.New(faults.Validation, "discord token is not set")
	}
	if cfg.ChannelID == "" {
		return nil, faults.New(faults.Validation, "discord channel id is not set")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnavailable, err, "create discord session")
	}
	return &DiscordSink{session: session, channelID: cfg.ChannelID}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Send(ctx context.Context, title, body string) error {
	text := fmt.Sprintf("⚠️ **%s**\n%s", title, body)
	_, err := s.session.ChannelMessageSend(s.channelID, text, discordgo.WithContext(ctx))
	return err
}

// FromConfig assembles a dispatcher from the notify config. The log sink
// is always present.
func FromConfig(cfg config.NotifyConfig) *Dispatcher {
	d := NewDispatcher(LogSink{})
	if cfg.Telegram.Enabled {
		if sink, err := NewTelegramSink(cfg.Telegram); err == nil {
			d.Add(sink)
		} else {
			slog.Warn("telegram sink disabled", "error", err)
		}
	}
	if cfg.Discord.Enabled {
		if sink, err := NewDiscordSink(cfg.Discord); err == nil {
			d.Add(sink)
		} else {
			slog.Warn("discord sink disabled", "error", err)
		}
	}
	return d
}
