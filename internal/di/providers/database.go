package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/badger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/sqlite"
)

// SSEManagerHandle wraps the SSE manager with its context for lifecycle management.
type SSEManagerHandle struct {
	*sse.Manager
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *SSEManagerHandle) Shutdown() error {
	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Manager.Shutdown(ctx)
}

// ProvideSSEManager provides the admin event stream manager.
func ProvideSSEManager(i do.Injector) (*SSEManagerHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)

	manager := sse.NewManager(log.Logger)

	// Start in background
	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)

	log.Info("SSE manager started")

	return &SSEManagerHandle{
		Manager: manager,
		cancel:  cancel,
	}, nil
}

// StoreHandle wraps the subscriber store with shutdown capability.
type StoreHandle struct {
	store.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore opens the configured store backend. Subscriber writes are
// published on the admin event stream.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	if err := os.MkdirAll(cfg.Store.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := cfg.Store.Path()
	var st store.Store
	switch cfg.Store.Backend {
	case config.BackendBadger:
		db, err := badger.New(path, log.Logger, sseHandle.Manager)
		if err != nil {
			return nil, err
		}
		st = db
	default:
		db, err := sqlite.Open(path, log.Logger)
		if err != nil {
			return nil, err
		}
		db.SetEmitter(sseHandle.Manager)
		st = db
	}

	log.Info("Database initialized", "backend", cfg.Store.Backend, "path", path)

	return &StoreHandle{Store: st}, nil
}
