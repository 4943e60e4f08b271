package providers

import (
	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ingress"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ratelimit"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

// ProvideValidator provides the shared input validator.
func ProvideValidator(i do.Injector) (*validation.Validator, error) {
	return validation.New(), nil
}

// ProvideEmailLocks provides the per-email mutex shared by lifecycle and onboarding.
func ProvideEmailLocks(i do.Injector) (*service.KeyedMutex, error) {
	return service.NewKeyedMutex(), nil
}

// ProvideIngressRegistry provides the payment provider registry.
func ProvideIngressRegistry(i do.Injector) (*ingress.Registry, error) {
	return ingress.Default(do.MustInvoke[*validation.Validator](i)), nil
}

// SendLimitersHandle holds the outbound message rate limiters.
type SendLimitersHandle struct {
	Global  *ratelimit.KeyedRateLimiter
	PerChat *ratelimit.KeyedRateLimiter
}

// Shutdown implements do.Shutdownable.
func (h *SendLimitersHandle) Shutdown() error {
	h.Global.Stop()
	h.PerChat.Stop()
	return nil
}

// ProvideSendLimiters provides the global and per-chat send limiters.
func ProvideSendLimiters(i do.Injector) (*SendLimitersHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)

	return &SendLimitersHandle{
		Global:  ratelimit.New(cfg.Notify.RatePerSecond, max(int(cfg.Notify.RatePerSecond), 1)),
		PerChat: ratelimit.New(cfg.Notify.PerChatPerSecond, 1),
	}, nil
}

// ProvideInviteService provides the invite link service.
func ProvideInviteService(i do.Injector) (*service.InviteService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewInviteService(
		storeHandle.Store,
		tg.Channel,
		log.Component("invites"),
		cfg.Invite.TTL,
		cfg.Invite.RevokeTimeout,
	), nil
}

// ProvideNotificationService provides the notification dispatcher.
func ProvideNotificationService(i do.Injector) (*service.NotificationService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	tmpl := do.MustInvoke[*TemplatesHandle](i)
	limiters := do.MustInvoke[*SendLimitersHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewNotificationService(
		storeHandle.Store,
		tg.Channel,
		tmpl.Set,
		limiters.Global,
		limiters.PerChat,
		sseHandle.Manager,
		log.Component("notify"),
		service.NotifyConfig{
			BatchSize:  cfg.Notify.BatchSize,
			BatchPause: cfg.Notify.BatchPause,
		},
	), nil
}

// ProvideLifecycleService provides the subscription state machine.
func ProvideLifecycleService(i do.Injector) (*service.LifecycleService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	invites := do.MustInvoke[*service.InviteService](i)
	notify := do.MustInvoke[*service.NotificationService](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	locks := do.MustInvoke[*service.KeyedMutex](i)
	v := do.MustInvoke[*validation.Validator](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewLifecycleService(
		storeHandle.Store,
		invites,
		notify,
		tg.Channel,
		locks,
		v,
		log.Component("lifecycle"),
		service.LifecycleConfig{
			SubscriptionLength: cfg.Lifecycle.SubscriptionLength,
			NotifyScope:        cfg.Lifecycle.NotifyScope,
			AdminID:            cfg.Telegram.AdminID,
		},
	), nil
}

// ProvideReconciler provides the channel membership reconciler.
func ProvideReconciler(i do.Injector) (*service.Reconciler, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	tmpl := do.MustInvoke[*TemplatesHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewReconciler(
		storeHandle.Store,
		tg.Channel,
		tmpl.Set,
		sseHandle.Manager,
		log.Component("reconciler"),
		cfg.Telegram.AdminID,
	), nil
}

// ProvideAdminService provides the admin command surface.
func ProvideAdminService(i do.Injector) (*service.AdminService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	lifecycle := do.MustInvoke[*service.LifecycleService](i)
	notify := do.MustInvoke[*service.NotificationService](i)
	reconciler := do.MustInvoke[*service.Reconciler](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewAdminService(
		storeHandle.Store,
		lifecycle,
		notify,
		reconciler,
		log.Component("admin"),
		service.AdminConfig{
			AdminID:         cfg.Telegram.AdminID,
			ListTTL:         cfg.Admin.ListTTL,
			StatsTTL:        cfg.Admin.StatsTTL,
			ClearBatchSize:  cfg.Admin.ClearBatchSize,
			ClearBatchPause: cfg.Admin.ClearBatchPause,
		},
	), nil
}

// ProvideOnboardingService provides the subscriber onboarding dialogue.
func ProvideOnboardingService(i do.Injector) (*service.OnboardingService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	invites := do.MustInvoke[*service.InviteService](i)
	tmpl := do.MustInvoke[*TemplatesHandle](i)
	locks := do.MustInvoke[*service.KeyedMutex](i)
	v := do.MustInvoke[*validation.Validator](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewOnboardingService(
		storeHandle.Store,
		invites,
		tmpl.Set,
		locks,
		v,
		log.Component("onboarding"),
		service.OnboardingConfig{
			SessionTTL:  cfg.Onboarding.SessionTTL,
			MaxSessions: cfg.Onboarding.MaxSessions,
		},
	), nil
}
