package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ratelimit"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

const globalSendKey = "global"

// SendOutcome is the result of one outbound message.
type SendOutcome int

// Send outcomes.
const (
	SendDelivered SendOutcome = iota
	SendFailed
	SendUnreachable
	SendSkipped
)

func (o SendOutcome) String() string {
	switch o {
	case SendDelivered:
		return "delivered"
	case SendFailed:
		return "failed"
	case SendUnreachable:
		return "unreachable"
	default:
		return "skipped"
	}
}

// DeliveryReport counts outcomes of a fan-out.
type DeliveryReport struct {
	Total       int `json:"total"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	Unreachable int `json:"unreachable"`
}

func (r *DeliveryReport) add(o SendOutcome) {
	switch o {
	case SendDelivered:
		r.Delivered++
	case SendFailed:
		r.Failed++
	case SendUnreachable:
		r.Unreachable++
	}
}

// ProgressFunc is called after each batch of a fan-out.
type ProgressFunc func(sent, total int)

// NotifyConfig holds dispatcher batching. Rate limits are injected as limiters.
type NotifyConfig struct {
	BatchSize  int
	BatchPause time.Duration
}

// NotificationService sends messages to subscribers in rate-limited batches.
// Sends are never retried; an unreachable recipient is flagged in the store.
type NotificationService struct {
	store     store.Store
	channel   platform.Channel
	templates *templates.Set
	global    *ratelimit.KeyedRateLimiter
	perChat   *ratelimit.KeyedRateLimiter
	emitter   store.EventEmitter
	logger    *slog.Logger
	cfg       NotifyConfig
	pause     func(ctx context.Context, d time.Duration) error
}

// NewNotificationService creates a new notification dispatcher. Either
// limiter may be nil to disable that bound.
func NewNotificationService(
	store store.Store,
	channel platform.Channel,
	tmpl *templates.Set,
	global *ratelimit.KeyedRateLimiter,
	perChat *ratelimit.KeyedRateLimiter,
	emitter store.EventEmitter,
	logger *slog.Logger,
	cfg NotifyConfig,
) *NotificationService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &NotificationService{
		store:     store,
		channel:   channel,
		templates: tmpl,
		global:    global,
		perChat:   perChat,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
		pause:     sleepCtx,
	}
}

// Templates returns the message catalogue used by the dispatcher.
func (n *NotificationService) Templates() *templates.Set {
	return n.templates
}

// NotifyOne sends content to a single account.
func (n *NotificationService) NotifyOne(ctx context.Context, accountID int64, content platform.Content) SendOutcome {
	if accountID == 0 {
		return SendSkipped
	}
	if err := n.wait(ctx, accountID); err != nil {
		n.logger.Warn("send aborted while rate limited", "account_id", accountID, "error", err)
		return SendFailed
	}

	err := n.channel.Send(ctx, accountID, content)
	if err == nil {
		return SendDelivered
	}

	if platform.KindOf(err) == platform.KindUnreachable {
		n.logger.Info("recipient unreachable", "account_id", accountID, "error", err)
		if merr := n.store.MarkUnreachable(ctx, accountID); merr != nil && !store.IsNotFound(merr) {
			n.logger.Error("failed to flag unreachable recipient", "account_id", accountID, "error", merr)
		}
		return SendUnreachable
	}

	n.logger.Warn("failed to send message",
		"account_id", accountID,
		"kind", platform.KindOf(err).String(),
		"error", err,
	)
	return SendFailed
}

// NotifyText renders a template and sends it to one account.
func (n *NotificationService) NotifyText(ctx context.Context, accountID int64, name templates.Name, data templates.Data) SendOutcome {
	text, err := n.templates.Render(name, data)
	if err != nil {
		n.logger.Error("failed to render template", "template", name, "error", err)
		return SendFailed
	}
	return n.NotifyOne(ctx, accountID, platform.Text(text))
}

// NotifySubscriber sends a template to one subscriber when it is reachable.
func (n *NotificationService) NotifySubscriber(ctx context.Context, sub *domain.Subscriber, name templates.Name, data templates.Data) SendOutcome {
	if !sub.Notifiable() {
		return SendSkipped
	}
	if data.Name == "" {
		data.Name = sub.DisplayName
	}
	if data.Email == "" {
		data.Email = sub.Email
	}
	return n.NotifyText(ctx, sub.Account(), name, data)
}

// NotifyStatus sends a template to every reachable subscriber at status.
func (n *NotificationService) NotifyStatus(ctx context.Context, status domain.Status, name templates.Name) (DeliveryReport, error) {
	subs, err := n.store.ListByStatus(ctx, status)
	if err != nil {
		return DeliveryReport{}, err
	}

	recipients := make([]*domain.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.Notifiable() {
			recipients = append(recipients, sub)
		}
	}

	report, err := n.deliver(ctx, recipients, func(sub *domain.Subscriber) SendOutcome {
		return n.NotifySubscriber(ctx, sub, name, templates.Data{})
	}, nil)

	n.logger.Info("status notification finished",
		"status", status,
		"template", name,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"unreachable", report.Unreachable,
	)
	n.emitter.Emit(sse.NewNotificationSummaryEvent(status, report.Delivered, report.Failed, report.Unreachable))
	return report, err
}

// Broadcast sends content to every reachable subscriber. progress, when
// non-nil, is called after each batch.
func (n *NotificationService) Broadcast(ctx context.Context, content platform.Content, progress ProgressFunc) (DeliveryReport, error) {
	if err := content.Validate(); err != nil {
		return DeliveryReport{}, err
	}
	recipients, err := n.store.ListReachable(ctx)
	if err != nil {
		return DeliveryReport{}, err
	}

	report, err := n.deliver(ctx, recipients, func(sub *domain.Subscriber) SendOutcome {
		return n.NotifyOne(ctx, sub.Account(), content)
	}, func(sent, total int) {
		n.emitter.Emit(sse.NewBroadcastProgressEvent(sent, total))
		if progress != nil {
			progress(sent, total)
		}
	})

	n.logger.Info("broadcast finished",
		"kind", content.Kind,
		"total", report.Total,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"unreachable", report.Unreachable,
	)
	return report, err
}

// deliver sends in batches separated by the batch pause. Cancellation is
// honoured between batches; the partial report is returned with ctx.Err().
func (n *NotificationService) deliver(
	ctx context.Context,
	recipients []*domain.Subscriber,
	send func(*domain.Subscriber) SendOutcome,
	progress ProgressFunc,
) (DeliveryReport, error) {
	report := DeliveryReport{Total: len(recipients)}
	sent := 0

	for start := 0; start < len(recipients); start += n.cfg.BatchSize {
		if start > 0 {
			if err := n.pause(ctx, n.cfg.BatchPause); err != nil {
				return report, err
			}
		}
		end := min(start+n.cfg.BatchSize, len(recipients))
		for _, sub := range recipients[start:end] {
			report.add(send(sub))
			sent++
		}
		if progress != nil {
			progress(sent, report.Total)
		}
	}
	return report, nil
}

func (n *NotificationService) wait(ctx context.Context, accountID int64) error {
	if n.global != nil {
		if err := n.global.Wait(ctx, globalSendKey); err != nil {
			return err
		}
	}
	if n.perChat != nil {
		if err := n.perChat.Wait(ctx, strconv.FormatInt(accountID, 10)); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
