// Package bot dispatches Telegram updates to the admin command surface, the
// onboarding dialogue and the channel membership tracker.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ratelimit"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

// Source is the subset of *tgbotapi.BotAPI the dispatcher uses.
type Source interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// MemberObserver receives chat_member updates.
type MemberObserver interface {
	Observe(u *tgbotapi.ChatMemberUpdated)
}

// Config configures the dispatcher.
type Config struct {
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	// ListPageSize and ListPagePause pace subscriber listings.
	ListPageSize  int
	ListPagePause time.Duration
	// InboundRate and InboundBurst limit messages per non-admin account.
	InboundRate  float64
	InboundBurst int
}

// Dispatcher runs one goroutine per update. A panic in a handler is logged
// and never stops the loop.
type Dispatcher struct {
	src        Source
	channel    platform.Channel
	admin      *service.AdminService
	onboarding *service.OnboardingService
	observer   MemberObserver
	templates  *templates.Set
	limiter    *ratelimit.KeyedRateLimiter
	logger     *slog.Logger
	cfg        Config
	pause      func(ctx context.Context, d time.Duration) error

	// awaiting holds admin accounts whose next message is broadcast content.
	mu       sync.Mutex
	awaiting map[int64]bool

	wg sync.WaitGroup
}

// New creates a dispatcher. observer may be nil.
func New(
	src Source,
	channel platform.Channel,
	admin *service.AdminService,
	onboarding *service.OnboardingService,
	observer MemberObserver,
	tmpl *templates.Set,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = 10
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = 1
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = 5
	}
	return &Dispatcher{
		src:        src,
		channel:    channel,
		admin:      admin,
		onboarding: onboarding,
		observer:   observer,
		templates:  tmpl,
		limiter:    ratelimit.New(cfg.InboundRate, cfg.InboundBurst),
		logger:     logger,
		cfg:        cfg,
		pause:      sleepCtx,
		awaiting:   make(map[int64]bool),
	}
}

// Run long-polls for updates until ctx ends, then waits for in-flight
// handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	updates := d.src.GetUpdatesChan(tgbotapi.UpdateConfig{
		Timeout:        d.cfg.PollTimeout,
		AllowedUpdates: []string{"message", "callback_query", "chat_member"},
	})
	d.logger.Info("bot dispatcher started", "poll_timeout", d.cfg.PollTimeout)

	defer func() {
		d.src.StopReceivingUpdates()
		d.wg.Wait()
		d.limiter.Stop()
		d.logger.Info("bot dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.Handle(ctx, u)
			}()
		}
	}
}

// Handle processes one update.
func (d *Dispatcher) Handle(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling update",
				"update_id", u.UpdateID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch {
	case u.ChatMember != nil:
		if d.observer != nil {
			d.observer.Observe(u.ChatMember)
		}
	case u.CallbackQuery != nil:
		d.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		d.handleMessage(ctx, u.Message)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	from := msg.From.ID

	if d.admin.IsAdmin(from) {
		d.handleAdmin(ctx, msg)
		return
	}

	if !d.limiter.Allow(strconv.FormatInt(from, 10)) {
		d.logger.Debug("inbound message rate limited", "account_id", from)
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			d.reply(ctx, from, d.onboarding.Start(from, msg.From.UserName).Reply)
		case "cancel":
			d.onboarding.Cancel(from)
			d.reply(ctx, from, d.templates.MustRender(templates.SessionMissing, templates.Data{}))
		default:
			if isAdminCommand(msg.Command()) {
				d.reply(ctx, from, d.templates.MustRender(templates.NotAuthorized, templates.Data{}))
				return
			}
			d.reply(ctx, from, d.templates.MustRender(templates.SessionMissing, templates.Data{}))
		}
		return
	}

	res := d.onboarding.Handle(ctx, from, msg.Text)
	d.reply(ctx, from, res.Reply)
	if res.Link != "" {
		d.logger.Info("invite delivered through onboarding", "account_id", from)
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	if !d.admin.IsAdmin(q.From.ID) {
		d.answer(q.ID, d.templates.MustRender(templates.NotAuthorized, templates.Data{}))
		return
	}

	accountID, approve, ok := service.ParseCallback(q.Data)
	if !ok {
		d.logger.Warn("unknown callback data", "data", q.Data)
		d.answer(q.ID, "")
		return
	}

	res, err := d.admin.Resolve(ctx, accountID, approve)
	if err != nil {
		d.logger.Warn("failed to resolve candidate", "account_id", accountID, "error", err)
		d.answer(q.ID, errorText(err))
		return
	}
	if res.Action == service.ActionRemoved {
		d.answer(q.ID, fmt.Sprintf("🚫 %d removed", accountID))
		return
	}
	d.answer(q.ID, fmt.Sprintf("👍 %d ignored", accountID))
}

func (d *Dispatcher) answer(callbackID, text string) {
	if _, err := d.src.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		d.logger.Warn("failed to answer callback", "error", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, accountID int64, text string) {
	if text == "" {
		return
	}
	if err := d.channel.Send(ctx, accountID, platform.Text(text)); err != nil {
		d.logger.Warn("failed to reply", "account_id", accountID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
