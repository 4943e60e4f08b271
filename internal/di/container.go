// Package di provides dependency injection configuration for the gatekeeper server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/di/providers"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ingress"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)
	do.Provide(injector, providers.ProvideAuthKey)

	// Database layer
	do.Provide(injector, providers.ProvideSSEManager)
	do.Provide(injector, providers.ProvideStore)

	// Platform layer
	do.Provide(injector, providers.ProvideTelegram)
	do.Provide(injector, providers.ProvideTemplates)
	do.Provide(injector, providers.ProvideSendLimiters)

	// Auth layer
	do.Provide(injector, providers.ProvideTokenService)

	// Business services
	do.Provide(injector, providers.ProvideValidator)
	do.Provide(injector, providers.ProvideEmailLocks)
	do.Provide(injector, providers.ProvideIngressRegistry)
	do.Provide(injector, providers.ProvideInviteService)
	do.Provide(injector, providers.ProvideNotificationService)
	do.Provide(injector, providers.ProvideLifecycleService)
	do.Provide(injector, providers.ProvideReconciler)
	do.Provide(injector, providers.ProvideAdminService)
	do.Provide(injector, providers.ProvideOnboardingService)

	// Workers
	do.Provide(injector, providers.ProvideReconcilerJob)
	do.Provide(injector, providers.ProvideExpirySweepJob)
	do.Provide(injector, providers.ProvideHeartbeatJob)
	do.Provide(injector, providers.ProvideBotDispatcher)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services and returns handles for lifecycle management.
// This triggers lazy initialization of all core services.
func Bootstrap(injector *do.RootScope) error {
	// Invoke core services to trigger initialization
	_ = do.MustInvoke[*config.Config](injector)
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[providers.AuthKey](injector)
	_ = do.MustInvoke[*providers.SSEManagerHandle](injector)
	_ = do.MustInvoke[*providers.StoreHandle](injector)
	_ = do.MustInvoke[*providers.TelegramHandle](injector)
	_ = do.MustInvoke[*providers.TemplatesHandle](injector)
	_ = do.MustInvoke[*providers.SendLimitersHandle](injector)
	_ = do.MustInvoke[*auth.TokenService](injector)

	// Business services
	_ = do.MustInvoke[*validation.Validator](injector)
	_ = do.MustInvoke[*service.KeyedMutex](injector)
	_ = do.MustInvoke[*ingress.Registry](injector)
	_ = do.MustInvoke[*service.InviteService](injector)
	_ = do.MustInvoke[*service.NotificationService](injector)
	_ = do.MustInvoke[*service.LifecycleService](injector)
	_ = do.MustInvoke[*service.Reconciler](injector)
	_ = do.MustInvoke[*service.AdminService](injector)
	_ = do.MustInvoke[*service.OnboardingService](injector)

	// Server first, so webhooks are accepted while the bot catches up
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	// Workers
	_ = do.MustInvoke[*providers.ReconcilerJob](injector)
	_ = do.MustInvoke[*providers.ExpirySweepJob](injector)
	_ = do.MustInvoke[*providers.HeartbeatJob](injector)
	_ = do.MustInvoke[*providers.BotDispatcherHandle](injector)

	return nil
}
