package providers

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform/telegram"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

// TelegramHandle holds the Bot API client and the channel adapter built on it.
type TelegramHandle struct {
	Bot     *tgbotapi.BotAPI
	Channel *telegram.Channel
}

// ProvideTelegram connects to the Bot API.
func ProvideTelegram(i do.Injector) (*TelegramHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.APIEndpoint)
	if err != nil {
		return nil, err
	}

	channel := telegram.New(bot, bot.Self.ID, telegram.Config{
		ChannelID:   cfg.Telegram.ChannelID,
		CallTimeout: cfg.Telegram.CallTimeout,
	}, log.Component("telegram"))

	log.Info("Telegram bot connected",
		"bot_id", bot.Self.ID,
		"bot_username", bot.Self.UserName,
		"channel_id", cfg.Telegram.ChannelID,
	)

	return &TelegramHandle{Bot: bot, Channel: channel}, nil
}

// TemplatesHandle wraps the message catalogue and its file watcher.
type TemplatesHandle struct {
	*templates.Set
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *TemplatesHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideTemplates loads the message catalogue, watching the override file
// for changes when configured.
func ProvideTemplates(i do.Injector) (*TemplatesHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	ctx, cancel := context.WithCancel(context.Background())
	handle := &TemplatesHandle{Set: templates.Default(), cancel: cancel}

	if cfg.Templates.Path == "" {
		log.Info("Using built-in message templates")
		return handle, nil
	}

	set, err := templates.Load(cfg.Templates.Path)
	if err != nil {
		cancel()
		return nil, err
	}
	handle.Set = set
	log.Info("Message templates loaded", "path", cfg.Templates.Path)

	if cfg.Templates.Watch {
		tlog := log.Component("templates")
		go func() {
			if err := set.Watch(ctx, cfg.Templates.Path, tlog); err != nil {
				tlog.Error("Template watcher stopped", "error", err)
			}
		}()
	}

	return handle, nil
}
