package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/cache"
	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

const (
	listKeyActive  = "active"
	listKeyExpired = "expired"
	statsKey       = "stats"
)

// AdminConfig holds admin surface settings.
type AdminConfig struct {
	AdminID         int64
	ListTTL         time.Duration
	StatsTTL        time.Duration
	ClearBatchSize  int
	ClearBatchPause time.Duration
}

// ItemFailure is one failed entry of a batch operation.
type ItemFailure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// ClearReport summarises an expiry sweep.
type ClearReport struct {
	Candidates int           `json:"candidates"`
	Expired    int           `json:"expired"`
	Skipped    int           `json:"skipped"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}

// AdminService is the command surface shared by the bot and the admin API.
// Authorization is checked by the transports with IsAdmin.
type AdminService struct {
	store      store.Store
	lifecycle  *LifecycleService
	notify     *NotificationService
	reconciler *Reconciler
	lists      *cache.ReadThrough[[]*domain.Subscriber]
	stats      *cache.ReadThrough[*domain.Stats]
	logger     *slog.Logger
	cfg        AdminConfig
	now        func() time.Time
	pause      func(ctx context.Context, d time.Duration) error
}

// NewAdminService creates a new admin service.
func NewAdminService(
	store store.Store,
	lifecycle *LifecycleService,
	notify *NotificationService,
	reconciler *Reconciler,
	logger *slog.Logger,
	cfg AdminConfig,
) *AdminService {
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 2 * time.Minute
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 10 * time.Minute
	}
	if cfg.ClearBatchSize <= 0 {
		cfg.ClearBatchSize = 10
	}
	return &AdminService{
		store:      store,
		lifecycle:  lifecycle,
		notify:     notify,
		reconciler: reconciler,
		lists:      cache.New[[]*domain.Subscriber](4, cfg.ListTTL),
		stats:      cache.New[*domain.Stats](1, cfg.StatsTTL),
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		pause:      sleepCtx,
	}
}

// IsAdmin reports whether accountID may use admin commands.
func (s *AdminService) IsAdmin(accountID int64) bool {
	return s.cfg.AdminID != 0 && accountID == s.cfg.AdminID
}

// AdminID returns the configured admin account.
func (s *AdminService) AdminID() int64 {
	return s.cfg.AdminID
}

// Search returns the subscriber for email.
func (s *AdminService) Search(ctx context.Context, email string) (*domain.Subscriber, error) {
	return s.lifecycle.lookup(ctx, email)
}

// Ban bans the subscriber.
func (s *AdminService) Ban(ctx context.Context, email string) (*domain.Subscriber, error) {
	defer s.invalidate()
	return s.lifecycle.Ban(ctx, email)
}

// Unban reactivates the subscriber and issues a new link.
func (s *AdminService) Unban(ctx context.Context, email string) (*UnbanResult, error) {
	defer s.invalidate()
	return s.lifecycle.Unban(ctx, email)
}

// AddSubscriber creates an APPROVED subscriber by hand.
func (s *AdminService) AddSubscriber(ctx context.Context, email string) (*domain.Subscriber, error) {
	defer s.invalidate()
	return s.lifecycle.AddSubscriber(ctx, email)
}

// ListActive returns APPROVED subscribers, oldest first.
func (s *AdminService) ListActive(ctx context.Context) ([]*domain.Subscriber, error) {
	return s.lists.Get(ctx, listKeyActive, func(ctx context.Context) ([]*domain.Subscriber, error) {
		return s.store.ListByStatus(ctx, domain.StatusApproved)
	})
}

// ListExpired returns subscribers of any status whose expiry has passed.
func (s *AdminService) ListExpired(ctx context.Context) ([]*domain.Subscriber, error) {
	return s.lists.Get(ctx, listKeyExpired, func(ctx context.Context) ([]*domain.Subscriber, error) {
		return s.store.ListExpiredBefore(ctx, s.now())
	})
}

// ClearExpired expires every APPROVED subscriber past its expiry, in batches
// separated by the clear pause. Per-item failures are collected; the sweep
// stops early only when ctx ends.
func (s *AdminService) ClearExpired(ctx context.Context) (*ClearReport, error) {
	defer s.invalidate()

	lapsed, err := s.store.ListExpiredBefore(ctx, s.now())
	if err != nil {
		return nil, err
	}
	targets := make([]*domain.Subscriber, 0, len(lapsed))
	for _, sub := range lapsed {
		if sub.Status == domain.StatusApproved {
			targets = append(targets, sub)
		}
	}

	report := &ClearReport{Candidates: len(targets)}
	for start := 0; start < len(targets); start += s.cfg.ClearBatchSize {
		if start > 0 {
			if err := s.pause(ctx, s.cfg.ClearBatchPause); err != nil {
				return report, err
			}
		}
		end := min(start+s.cfg.ClearBatchSize, len(targets))
		for _, sub := range targets[start:end] {
			expired, err := s.lifecycle.Expire(ctx, sub)
			if expired {
				report.Expired++
			} else if err == nil {
				report.Skipped++
			}
			if err != nil {
				report.Failures = append(report.Failures, ItemFailure{Email: sub.Email, Error: err.Error()})
			}
		}
	}

	s.logger.Info("expired subscribers cleared",
		"candidates", report.Candidates,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"failures", len(report.Failures),
	)
	return report, nil
}

// Stats returns cached subscriber counts.
func (s *AdminService) Stats(ctx context.Context) (*domain.Stats, error) {
	return s.stats.Get(ctx, statsKey, func(ctx context.Context) (*domain.Stats, error) {
		return s.store.Stats(ctx, s.now())
	})
}

// Broadcast sends content to every reachable subscriber.
func (s *AdminService) Broadcast(ctx context.Context, content platform.Content, progress ProgressFunc) (DeliveryReport, error) {
	if err := content.Validate(); err != nil {
		return DeliveryReport{}, domainerrors.Validation(err.Error())
	}
	defer s.invalidate()
	return s.notify.Broadcast(ctx, content, progress)
}

// Candidates returns the pending membership queue.
func (s *AdminService) Candidates() []domain.Candidate {
	return s.reconciler.Pending()
}

// Check runs an on-demand membership diff.
func (s *AdminService) Check(ctx context.Context) (*ReconcileReport, error) {
	return s.reconciler.Check(ctx)
}

// Resolve applies the admin decision to the head candidate.
func (s *AdminService) Resolve(ctx context.Context, accountID int64, approve bool) (*Resolution, error) {
	return s.reconciler.Resolve(ctx, accountID, approve)
}

// Invalidate drops cached lists and stats after out-of-band mutations such as
// payment webhooks.
func (s *AdminService) Invalidate() {
	s.invalidate()
}

func (s *AdminService) invalidate() {
	s.lists.Purge()
	s.stats.Purge()
}
