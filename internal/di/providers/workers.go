package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/do/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/bot"
	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/logger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

// Job is a periodic background task.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable.
func (j *Job) Shutdown() error {
	j.cancel()
	<-j.done
	return nil
}

// startJob runs fn every interval until shutdown. A panicking or failing run
// is logged and the next tick proceeds.
func startJob(log *slog.Logger, name string, interval time.Duration, fn func(ctx context.Context) error) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{cancel: cancel, done: make(chan struct{})}

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job panicked", "job", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Job failed", "job", name, "error", err)
		}
	}

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("Job started", "job", name, "interval", interval)
	return j
}

// ReconcilerJob diffs channel membership on every tick.
type ReconcilerJob struct{ *Job }

// ProvideReconcilerJob provides the membership reconciler ticker.
func ProvideReconcilerJob(i do.Injector) (*ReconcilerJob, error) {
	cfg := do.MustInvoke[*config.Config](i)
	reconciler := do.MustInvoke[*service.Reconciler](i)
	admin := do.MustInvoke[*service.AdminService](i)
	log := do.MustInvoke[*logger.Logger](i)

	job := startJob(log.Logger, "reconcile", cfg.Reconcile.Interval, func(ctx context.Context) error {
		report, err := reconciler.Tick(ctx)
		if err != nil {
			return err
		}
		if report.Authorized > 0 {
			admin.Invalidate()
		}
		return nil
	})
	return &ReconcilerJob{Job: job}, nil
}

// ExpirySweepJob expires lapsed subscribers periodically. It is nil-safe
// when disabled.
type ExpirySweepJob struct{ *Job }

// Shutdown implements do.Shutdownable.
func (j *ExpirySweepJob) Shutdown() error {
	if j.Job == nil {
		return nil
	}
	return j.Job.Shutdown()
}

// ProvideExpirySweepJob provides the expiry sweep ticker. A zero interval
// disables it.
func ProvideExpirySweepJob(i do.Injector) (*ExpirySweepJob, error) {
	cfg := do.MustInvoke[*config.Config](i)
	admin := do.MustInvoke[*service.AdminService](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Jobs.ExpirySweepInterval <= 0 {
		log.Info("Expiry sweep disabled")
		return &ExpirySweepJob{}, nil
	}

	job := startJob(log.Logger, "expiry_sweep", cfg.Jobs.ExpirySweepInterval, func(ctx context.Context) error {
		_, err := admin.ClearExpired(ctx)
		return err
	})
	return &ExpirySweepJob{Job: job}, nil
}

// HeartbeatJob messages the admin periodically so a silent bot is noticed.
type HeartbeatJob struct{ *Job }

// Shutdown implements do.Shutdownable.
func (j *HeartbeatJob) Shutdown() error {
	if j.Job == nil {
		return nil
	}
	return j.Job.Shutdown()
}

// ProvideHeartbeatJob provides the admin heartbeat ticker.
func ProvideHeartbeatJob(i do.Injector) (*HeartbeatJob, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	tmpl := do.MustInvoke[*TemplatesHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Jobs.HeartbeatInterval <= 0 {
		log.Info("Heartbeat disabled")
		return &HeartbeatJob{}, nil
	}

	job := startJob(log.Logger, "heartbeat", cfg.Jobs.HeartbeatInterval, func(ctx context.Context) error {
		text := tmpl.MustRender(templates.Heartbeat, templates.Data{})
		return tg.Channel.Send(ctx, cfg.Telegram.AdminID, platform.Text(text))
	})
	return &HeartbeatJob{Job: job}, nil
}

// BotDispatcherHandle runs the update dispatcher with shutdown capability.
type BotDispatcherHandle struct {
	*bot.Dispatcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Shutdown implements do.Shutdownable.
func (h *BotDispatcherHandle) Shutdown() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

// ProvideBotDispatcher starts long-polling for bot updates.
func ProvideBotDispatcher(i do.Injector) (*BotDispatcherHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tg := do.MustInvoke[*TelegramHandle](i)
	tmpl := do.MustInvoke[*TemplatesHandle](i)
	admin := do.MustInvoke[*service.AdminService](i)
	onboarding := do.MustInvoke[*service.OnboardingService](i)
	log := do.MustInvoke[*logger.Logger](i)

	d := bot.New(tg.Bot, tg.Channel, admin, onboarding, tg.Channel, tmpl.Set, log.Component("bot"), bot.Config{
		PollTimeout:   cfg.Telegram.PollTimeout,
		ListPageSize:  cfg.Admin.ListPageSize,
		ListPagePause: cfg.Admin.ListPagePause,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &BotDispatcherHandle{Dispatcher: d, cancel: cancel}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := d.Run(ctx); err != nil {
			log.Error("Bot dispatcher error", "error", err)
		}
	}()

	return h, nil
}
