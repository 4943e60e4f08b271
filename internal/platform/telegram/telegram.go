// Package telegram adapts the Telegram Bot API to platform.Channel.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
)

// API is the subset of *tgbotapi.BotAPI the adapter uses.
type API interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
}

// Config configures the adapter.
type Config struct {
	ChannelID   int64
	CallTimeout time.Duration
}

// Channel implements platform.Channel for one Telegram channel.
//
// The Bot API cannot enumerate channel subscribers, so ListMembers returns the
// administrators plus every account seen joining through chat_member updates
// and not seen leaving.
type Channel struct {
	api       API
	self      int64
	channelID int64
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	members map[int64]platform.Member
}

var _ platform.Channel = (*Channel)(nil)

// NewBot connects to the Bot API. endpoint may be empty for the public API.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 90 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return bot, nil
}

// New wraps api. selfID is the bot's own account id.
func New(api API, selfID int64, cfg Config, logger *slog.Logger) *Channel {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Channel{
		api:       api,
		self:      selfID,
		channelID: cfg.ChannelID,
		timeout:   cfg.CallTimeout,
		logger:    logger,
		members:   make(map[int64]platform.Member),
	}
}

// SelfID implements platform.Channel.
func (c *Channel) SelfID() int64 { return c.self }

// ChannelID returns the managed channel.
func (c *Channel) ChannelID() int64 { return c.channelID }

// call runs fn bounded by ctx and the per-call timeout. The underlying client
// is not context aware, so an abandoned call finishes in the background.
func (c *Channel) call(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			return classify(op, err)
		}
		return nil
	case <-ctx.Done():
		return platform.NewError(platform.KindTransient, op, ctx.Err())
	}
}

// CreateSingleUseInvite implements platform.Channel.
func (c *Channel) CreateSingleUseInvite(ctx context.Context, expiresAt time.Time) (string, error) {
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: c.channelID},
		ExpireDate:  int(expiresAt.Unix()),
		MemberLimit: 1,
	}

	var link tgbotapi.ChatInviteLink
	err := c.call(ctx, "create_invite", func() error {
		resp, err := c.api.Request(cfg)
		if err != nil {
			return err
		}
		return json.Unmarshal(resp.Result, &link)
	})
	if err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", platform.NewError(platform.KindUnknown, "create_invite", errors.New("empty invite link in response"))
	}
	return link.InviteLink, nil
}

// RevokeInvite implements platform.Channel.
func (c *Channel) RevokeInvite(ctx context.Context, link string) error {
	cfg := tgbotapi.RevokeChatInviteLinkConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: c.channelID},
		InviteLink: link,
	}
	return c.call(ctx, "revoke_invite", func() error {
		_, err := c.api.Request(cfg)
		return err
	})
}

// RemoveMember bans and immediately unbans so the account may rejoin later.
func (c *Channel) RemoveMember(ctx context.Context, accountID int64) error {
	member := tgbotapi.ChatMemberConfig{ChatID: c.channelID, UserID: accountID}

	err := c.call(ctx, "remove_member", func() error {
		if _, err := c.api.Request(tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
			return err
		}
		_, err := c.api.Request(tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true})
		return err
	})

	if err == nil || platform.KindOf(err) == platform.KindNotMember {
		c.forget(accountID)
	}
	return err
}

// Send implements platform.Channel.
func (c *Channel) Send(ctx context.Context, accountID int64, content platform.Content) error {
	if err := content.Validate(); err != nil {
		return platform.NewError(platform.KindUnknown, "send", err)
	}

	var msg tgbotapi.Chattable
	switch content.Kind {
	case platform.ContentPhoto:
		p := tgbotapi.NewPhoto(accountID, tgbotapi.FileID(content.FileID))
		p.Caption = content.Text
		msg = p
	case platform.ContentVideo:
		v := tgbotapi.NewVideo(accountID, tgbotapi.FileID(content.FileID))
		v.Caption = content.Text
		msg = v
	case platform.ContentDocument:
		d := tgbotapi.NewDocument(accountID, tgbotapi.FileID(content.FileID))
		d.Caption = content.Text
		msg = d
	default:
		msg = tgbotapi.NewMessage(accountID, content.Text)
	}

	return c.call(ctx, "send", func() error {
		_, err := c.api.Send(msg)
		return err
	})
}

// SendChoice implements platform.Channel with an inline keyboard, one button per row.
func (c *Channel) SendChoice(ctx context.Context, accountID int64, text string, choices []platform.Choice) error {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, ch := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(ch.Label, ch.Data)))
	}
	msg := tgbotapi.NewMessage(accountID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)

	return c.call(ctx, "send_choice", func() error {
		_, err := c.api.Send(msg)
		return err
	})
}

// ListMembers implements platform.Channel.
func (c *Channel) ListMembers(ctx context.Context) ([]platform.Member, error) {
	var admins []tgbotapi.ChatMember
	err := c.call(ctx, "list_members", func() error {
		var err error
		admins, err = c.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: c.channelID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(admins))
	out := make([]platform.Member, 0, len(admins))
	for _, a := range admins {
		if a.User == nil {
			continue
		}
		seen[a.User.ID] = true
		out = append(out, memberFromUser(a.User))
	}

	c.mu.RLock()
	for id, m := range c.members {
		if !seen[id] {
			out = append(out, m)
		}
	}
	c.mu.RUnlock()

	return out, nil
}

// Observe records a chat_member update for the managed channel.
func (c *Channel) Observe(u *tgbotapi.ChatMemberUpdated) {
	if u == nil || u.Chat.ID != c.channelID || u.NewChatMember.User == nil {
		return
	}
	user := u.NewChatMember.User

	switch u.NewChatMember.Status {
	case "member", "administrator", "creator", "restricted":
		c.mu.Lock()
		c.members[user.ID] = memberFromUser(user)
		c.mu.Unlock()
		c.logger.Debug("channel member joined", "account_id", user.ID)
	default:
		c.forget(user.ID)
		c.logger.Debug("channel member left", "account_id", user.ID, "status", u.NewChatMember.Status)
	}
}

func (c *Channel) forget(accountID int64) {
	c.mu.Lock()
	delete(c.members, accountID)
	c.mu.Unlock()
}

func memberFromUser(u *tgbotapi.User) platform.Member {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return platform.Member{
		AccountID:   u.ID,
		DisplayName: name,
		Handle:      u.UserName,
		IsBot:       u.IsBot,
	}
}

// classify maps Bot API failures to platform kinds.
func classify(op string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return platform.NewError(kindFor(op, tgErr.Code, tgErr.Message), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return platform.NewError(platform.KindTransient, op, err)
	}
	return platform.NewError(platform.KindUnknown, op, err)
}

func kindFor(op string, code int, message string) platform.Kind {
	msg := strings.ToLower(message)
	sending := strings.HasPrefix(op, "send")

	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return platform.KindTransient
	case strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "chat_admin_required"),
		strings.Contains(msg, "need administrator rights"),
		strings.Contains(msg, "can't remove chat owner"),
		strings.Contains(msg, "bot is not a member"),
		strings.Contains(msg, "have no rights"):
		return platform.KindPermission
	case strings.Contains(msg, "user_not_participant"),
		strings.Contains(msg, "participant_id_invalid"),
		strings.Contains(msg, "user not found") && !sending,
		strings.Contains(msg, "not a member"):
		return platform.KindNotMember
	case sending && (code == http.StatusForbidden ||
		strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "user is deactivated")):
		return platform.KindUnreachable
	case code == http.StatusForbidden, strings.Contains(msg, "chat not found"):
		return platform.KindPermission
	}
	return platform.KindUnknown
}
