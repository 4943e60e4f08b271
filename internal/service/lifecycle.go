package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

const defaultSubscriptionLength = 30 * 24 * time.Hour

// Notification scopes for revoking payment events.
const (
	NotifyScopeStatus     = "status"
	NotifyScopeSubscriber = "subscriber"
)

// LifecycleConfig holds state machine settings.
type LifecycleConfig struct {
	SubscriptionLength time.Duration
	// NotifyScope is NotifyScopeStatus (every reachable subscriber at the
	// target status) or NotifyScopeSubscriber (the affected one only).
	NotifyScope string
	AdminID     int64
}

// Outcome is what a payment event did.
type Outcome string

// Payment outcomes.
const (
	OutcomeApproved Outcome = "approved"
	OutcomeRenewed  Outcome = "renewed"
	OutcomeRevoked  Outcome = "revoked"
	OutcomeIgnored  Outcome = "ignored"
)

// ApplyResult reports the effect of a payment event.
type ApplyResult struct {
	Outcome    Outcome            `json:"outcome"`
	Subscriber *domain.Subscriber `json:"subscriber,omitempty"`
	Created    bool               `json:"created"`
	Delivery   *DeliveryReport    `json:"delivery,omitempty"`
}

// UnbanResult reports a reactivation. LinkErr is set when the status was
// restored but no invite link could be created.
type UnbanResult struct {
	Subscriber *domain.Subscriber `json:"subscriber"`
	Link       string             `json:"link,omitempty"`
	Messaged   bool               `json:"messaged"`
	LinkErr    error              `json:"-"`
}

// LifecycleService applies payment events and admin actions to subscribers.
// Every mutation of one email runs under that email's lock.
type LifecycleService struct {
	store     store.Store
	invites   *InviteService
	notify    *NotificationService
	channel   platform.Channel
	validator *validation.Validator
	locks     *KeyedMutex
	logger    *slog.Logger
	cfg       LifecycleConfig
	now       func() time.Time
}

// NewLifecycleService creates a new lifecycle state machine.
func NewLifecycleService(
	store store.Store,
	invites *InviteService,
	notify *NotificationService,
	channel platform.Channel,
	locks *KeyedMutex,
	validator *validation.Validator,
	logger *slog.Logger,
	cfg LifecycleConfig,
) *LifecycleService {
	if cfg.SubscriptionLength <= 0 {
		cfg.SubscriptionLength = defaultSubscriptionLength
	}
	if cfg.NotifyScope == "" {
		cfg.NotifyScope = NotifyScopeStatus
	}
	return &LifecycleService{
		store:     store,
		invites:   invites,
		notify:    notify,
		channel:   channel,
		validator: validator,
		locks:     locks,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ApplyPayment applies a normalized payment event. Granting events upsert an
// APPROVED record with a fresh expiry; revoking events withdraw access from an
// existing record and are ignored for unknown emails. A BANNED record is left
// untouched by every event; only Unban lifts it. Reapplying an event leaves
// the record in the same state.
func (s *LifecycleService) ApplyPayment(ctx context.Context, ev domain.PaymentEvent) (*ApplyResult, error) {
	email := store.NormalizeEmail(ev.Email)
	if err := s.validator.Email("email", email); err != nil {
		return nil, err
	}
	if _, err := domain.ParseEventKind(string(ev.Kind)); err != nil {
		return nil, domainerrors.Validation(err.Error())
	}

	unlock := s.locks.Lock(email)
	defer unlock()

	if ev.Kind.Grants() {
		return s.grant(ctx, email, ev)
	}
	return s.revoke(ctx, email, ev)
}

func (s *LifecycleService) grant(ctx context.Context, email string, ev domain.PaymentEvent) (*ApplyResult, error) {
	existing, err := s.store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Status == domain.StatusBanned {
			s.logger.Info("payment for banned subscriber ignored", "email", email, "event", ev.Kind, "provider", ev.Provider)
			return &ApplyResult{Outcome: OutcomeIgnored, Subscriber: existing}, nil
		}
		if existing.HasLink() {
			// The upsert clears link state, so the old token must die first.
			s.invites.revokeOnPlatform(ctx, email, existing.Link())
		}
	case store.IsNotFound(err):
	default:
		return nil, err
	}

	now := s.now()
	sub, created, err := s.store.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email:       email,
		Status:      domain.StatusApproved,
		DisplayName: ev.DisplayName,
		Now:         now,
		ExpiresAt:   now.Add(s.cfg.SubscriptionLength),
	})
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{Outcome: OutcomeApproved, Subscriber: sub, Created: created}
	if ev.Kind == domain.EventRenewed {
		result.Outcome = OutcomeRenewed
		if sub.Notifiable() {
			report := DeliveryReport{Total: 1}
			report.add(s.notify.NotifySubscriber(ctx, sub, templates.Renewed, templates.Data{}))
			result.Delivery = &report
		}
	}

	s.logger.Info("payment applied",
		"email", email,
		"event", ev.Kind,
		"provider", ev.Provider,
		"created", created,
		"expires_at", sub.ExpiresAt,
	)
	return result, nil
}

func (s *LifecycleService) revoke(ctx context.Context, email string, ev domain.PaymentEvent) (*ApplyResult, error) {
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			s.logger.Info("revoking event for unknown email ignored", "email", email, "event", ev.Kind)
			return &ApplyResult{Outcome: OutcomeIgnored}, nil
		}
		return nil, err
	}
	if sub.Status == domain.StatusBanned {
		s.logger.Info("revoking event for banned subscriber ignored", "email", email, "event", ev.Kind)
		return &ApplyResult{Outcome: OutcomeIgnored, Subscriber: sub}, nil
	}

	removal, err := s.withdraw(ctx, sub, domain.StatusRevoked)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	result := &ApplyResult{Outcome: OutcomeRevoked, Subscriber: updated}

	s.logger.Info("payment revoked access", "email", email, "event", ev.Kind, "provider", ev.Provider)

	if removal != nil {
		s.alertAdmin(ctx, sub)
		return result, removal
	}

	if name, ok := templates.ForEvent(ev.Kind); ok {
		result.Delivery = s.notifyRevocation(ctx, updated, name)
	}
	return result, nil
}

func (s *LifecycleService) notifyRevocation(ctx context.Context, sub *domain.Subscriber, name templates.Name) *DeliveryReport {
	if s.cfg.NotifyScope == NotifyScopeSubscriber {
		report := DeliveryReport{Total: 1}
		report.add(s.notify.NotifySubscriber(ctx, sub, name, templates.Data{}))
		return &report
	}

	report, err := s.notify.NotifyStatus(ctx, sub.Status, name)
	if err != nil {
		s.logger.Warn("status notification incomplete", "status", sub.Status, "error", err)
	}
	return &report
}

// Ban withdraws access and marks the subscriber BANNED.
func (s *LifecycleService) Ban(ctx context.Context, email string) (*domain.Subscriber, error) {
	unlock := s.locks.Lock(email)
	defer unlock()

	sub, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}

	removal, err := s.withdraw(ctx, sub, domain.StatusBanned)
	if err != nil {
		return nil, err
	}
	updated, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscriber banned", "email", updated.Email)

	if removal != nil {
		s.alertAdmin(ctx, sub)
		return updated, removal
	}
	s.notify.NotifySubscriber(ctx, updated, templates.Banned, templates.Data{})
	return updated, nil
}

// Unban reactivates a subscriber with a fresh expiry and issues a new invite
// link. The link is messaged only when the account is known.
func (s *LifecycleService) Unban(ctx context.Context, email string) (*UnbanResult, error) {
	unlock := s.locks.Lock(email)
	defer unlock()

	sub, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub.HasLink() {
		if err := s.invites.Revoke(ctx, sub.Email, sub.Link()); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.Reactivate(ctx, sub.Email, s.now().Add(s.cfg.SubscriptionLength)); err != nil {
		return nil, err
	}

	issued := s.invites.Issue(ctx, sub.Email)
	updated, err := s.lookup(ctx, sub.Email)
	if err != nil {
		return nil, err
	}

	result := &UnbanResult{Subscriber: updated, Link: issued.Link, LinkErr: issued.Err}
	if issued.OK() {
		outcome := s.notify.NotifySubscriber(ctx, updated, templates.Unbanned, templates.Data{Link: issued.Link})
		result.Messaged = outcome == SendDelivered
	}

	s.logger.Info("subscriber reactivated",
		"email", updated.Email,
		"link_issued", issued.OK(),
		"messaged", result.Messaged,
	)
	return result, nil
}

// AddSubscriber creates an APPROVED record by hand.
func (s *LifecycleService) AddSubscriber(ctx context.Context, email string) (*domain.Subscriber, error) {
	email = store.NormalizeEmail(email)
	if err := s.validator.Email("email", email); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(email)
	defer unlock()

	now := s.now()
	sub := &domain.Subscriber{
		Email:     email,
		Status:    domain.StatusApproved,
		JoinedAt:  now,
		ExpiresAt: now.Add(s.cfg.SubscriptionLength),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSubscriber(ctx, sub); err != nil {
		if store.IsAlreadyExists(err) {
			return nil, domainerrors.AlreadyExistsf("user %s already cadastrado", email)
		}
		return nil, err
	}

	s.logger.Info("subscriber added manually", "email", email, "expires_at", sub.ExpiresAt)
	return sub, nil
}

// Expire notifies and withdraws a lapsed subscriber. It reports false when
// the record was renewed or changed since it was listed.
func (s *LifecycleService) Expire(ctx context.Context, sub *domain.Subscriber) (bool, error) {
	unlock := s.locks.Lock(sub.Email)
	defer unlock()

	current, err := s.lookup(ctx, sub.Email)
	if err != nil {
		return false, err
	}
	if current.Status != domain.StatusApproved || !current.IsExpired(s.now()) {
		return false, nil
	}

	s.notify.NotifySubscriber(ctx, current, templates.Expired, templates.Data{})

	removal, err := s.withdraw(ctx, current, domain.StatusExpired)
	if err != nil {
		return false, err
	}

	s.logger.Info("subscriber expired", "email", current.Email, "expired_at", current.ExpiresAt)

	if removal != nil {
		s.alertAdmin(ctx, current)
		return true, removal
	}
	return true, nil
}

// withdraw revokes the link, removes the account from the channel and sets
// target. removal carries a PlatformPermanent error when the bot lacked the
// rights to remove; the status is updated regardless.
func (s *LifecycleService) withdraw(ctx context.Context, sub *domain.Subscriber, target domain.Status) (removal, err error) {
	if sub.HasLink() {
		if err := s.invites.Revoke(ctx, sub.Email, sub.Link()); err != nil {
			return nil, err
		}
	}

	if sub.HasAccount() {
		removal = s.removeFromChannel(ctx, sub)
	}

	if err := s.store.SetStatus(ctx, sub.Email, target); err != nil {
		return nil, err
	}
	return removal, nil
}

// removeFromChannel treats not-a-member as success. Only a privilege failure
// is returned; other failures are logged.
func (s *LifecycleService) removeFromChannel(ctx context.Context, sub *domain.Subscriber) error {
	err := s.channel.RemoveMember(ctx, sub.Account())
	if err == nil {
		s.logger.Info("removed from channel", "email", sub.Email, "account_id", sub.Account())
		return nil
	}

	switch platform.KindOf(err) {
	case platform.KindNotMember:
		s.logger.Debug("account already outside the channel", "email", sub.Email, "account_id", sub.Account())
		return nil
	case platform.KindPermission:
		s.logger.Error("missing rights to remove from channel",
			"email", sub.Email,
			"account_id", sub.Account(),
			"error", err,
		)
		return domainerrors.PlatformPermanent(
			fmt.Sprintf("could not remove account %d from the channel", sub.Account()),
		).WithCause(err)
	default:
		s.logger.Warn("failed to remove from channel",
			"email", sub.Email,
			"account_id", sub.Account(),
			"kind", platform.KindOf(err).String(),
			"error", err,
		)
		return nil
	}
}

func (s *LifecycleService) alertAdmin(ctx context.Context, sub *domain.Subscriber) {
	if s.cfg.AdminID == 0 {
		return
	}
	s.notify.NotifyText(ctx, s.cfg.AdminID, templates.RemovalDenied, templates.Data{
		Email:   sub.Email,
		Account: sub.Account(),
	})
}

func (s *LifecycleService) lookup(ctx context.Context, email string) (*domain.Subscriber, error) {
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domainerrors.NotFoundf("subscriber %s not found", store.NormalizeEmail(email))
		}
		return nil, err
	}
	return sub, nil
}
