package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/api"
	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ingress"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

// shutdownTimeout bounds graceful shutdown of the server and the store.
const shutdownTimeout = 30 * time.Second

// Version is reported on the OpenAPI document; set by main.
var Version = "dev"

// HTTPServerHandle wraps http.Server with Shutdownable.
type HTTPServerHandle struct {
	*http.Server
	api *api.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := h.Server.Shutdown(ctx)
	return errors.Join(err, h.api.Shutdown(ctx))
}

// ProvideHTTPServer provides the HTTP server for webhooks, the admin API and
// the admin event stream.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	tokens := do.MustInvoke[*auth.TokenService](i)
	log := do.MustInvoke[*logger.Logger](i)

	services := &api.Services{
		Lifecycle: do.MustInvoke[*service.LifecycleService](i),
		Admin:     do.MustInvoke[*service.AdminService](i),
		Ingress:   do.MustInvoke[*ingress.Registry](i),
	}

	handler := api.NewServer(storeHandle.Store, services, tokens, sseHandle.Manager, tg.Channel, api.Config{
		CORSOrigins:       cfg.Server.CORSOrigins,
		WebhookRateLimit:  cfg.Server.WebhookRateLimit,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		Version:           Version,
	}, log.Component("api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in background
	go func() {
		log.Info("HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv, api: handler}, nil
}
