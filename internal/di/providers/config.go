// Package providers contains dependency injection providers for the gatekeeper server.
package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
)

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig()
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
	})

	log.Info("Starting gatekeeper server",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"store", cfg.Store.Backend,
		"data_dir", cfg.Store.DataDir,
		"channel_id", cfg.Telegram.ChannelID,
		"notify_scope", cfg.Lifecycle.NotifyScope,
	)

	return log, nil
}

// ProvideSlogLogger provides access to the underlying slog.Logger for packages that need it.
func ProvideSlogLogger(i do.Injector) (*slog.Logger, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return log.Logger, nil
}
