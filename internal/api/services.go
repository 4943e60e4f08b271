package api

import (
	"github.com/gatekeeperapp/gatekeeper-server/internal/ingress"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

// Services groups the business logic used by the API server.
type Services struct {
	Lifecycle *service.LifecycleService
	Admin     *service.AdminService
	Ingress   *ingress.Registry
}
