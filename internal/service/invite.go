package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

const (
	defaultInviteTTL     = time.Hour
	defaultRevokeTimeout = 5 * time.Second
)

// IssueResult is the outcome of creating an invite link. A failed issue is a
// value, not an error, so callers can still report partial progress.
type IssueResult struct {
	Link string
	Err  error
}

// OK reports whether a link was created and stored.
func (r IssueResult) OK() bool {
	return r.Err == nil && r.Link != ""
}

// InviteService creates, stores and revokes single-use channel invite links.
// Callers hold the subscriber's email lock.
type InviteService struct {
	store         store.Store
	channel       platform.Channel
	logger        *slog.Logger
	ttl           time.Duration
	revokeTimeout time.Duration
	now           func() time.Time
}

// NewInviteService creates a new invite service. Zero durations use the
// one-hour link lifetime and the five-second revoke bound.
func NewInviteService(
	store store.Store,
	channel platform.Channel,
	logger *slog.Logger,
	ttl time.Duration,
	revokeTimeout time.Duration,
) *InviteService {
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	if revokeTimeout <= 0 {
		revokeTimeout = defaultRevokeTimeout
	}
	return &InviteService{
		store:         store,
		channel:       channel,
		logger:        logger,
		ttl:           ttl,
		revokeTimeout: revokeTimeout,
		now:           time.Now,
	}
}

// TTL returns the lifetime of issued links.
func (s *InviteService) TTL() time.Duration {
	return s.ttl
}

// Issue creates a member-limit-1 link and records it on the subscriber.
// It does not revoke an existing link; use Rotate for that.
func (s *InviteService) Issue(ctx context.Context, email string) IssueResult {
	now := s.now()
	link, err := s.channel.CreateSingleUseInvite(ctx, now.Add(s.ttl))
	if err != nil {
		s.logger.Error("failed to create invite link",
			"email", email,
			"kind", platform.KindOf(err).String(),
			"error", err,
		)
		return IssueResult{Err: platformError(err, "create invite link")}
	}

	if err := s.store.SetLink(ctx, email, link, now); err != nil {
		s.logger.Error("failed to store invite link", "email", email, "error", err)
		// Unrecorded links must not stay usable.
		s.revokeOnPlatform(ctx, email, link)
		return IssueResult{Err: err}
	}

	s.logger.Info("invite link issued", "email", email, "expires_at", now.Add(s.ttl))
	return IssueResult{Link: link}
}

// Revoke invalidates link at the platform within the revoke timeout, then
// clears the stored link whatever the platform answered. Platform failures
// are logged and not retried.
func (s *InviteService) Revoke(ctx context.Context, email, link string) error {
	if link != "" {
		s.revokeOnPlatform(ctx, email, link)
	}
	if err := s.store.ClearLink(ctx, email); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Rotate revokes the subscriber's current link, if any, and issues a new one.
func (s *InviteService) Rotate(ctx context.Context, sub *domain.Subscriber) IssueResult {
	if sub.HasLink() {
		if err := s.Revoke(ctx, sub.Email, sub.Link()); err != nil {
			return IssueResult{Err: err}
		}
	}
	return s.Issue(ctx, sub.Email)
}

func (s *InviteService) revokeOnPlatform(ctx context.Context, email, link string) {
	rctx, cancel := context.WithTimeout(ctx, s.revokeTimeout)
	defer cancel()

	if err := s.channel.RevokeInvite(rctx, link); err != nil {
		s.logger.Warn("failed to revoke invite link",
			"email", email,
			"kind", platform.KindOf(err).String(),
			"error", err,
		)
	}
}

// platformError maps a classified platform failure onto a domain error.
func platformError(err error, msg string) error {
	switch platform.KindOf(err) {
	case platform.KindPermission:
		return domainerrors.PlatformPermanent(msg).WithCause(err)
	case platform.KindUnreachable:
		return domainerrors.RecipientUnreachable(msg).WithCause(err)
	case platform.KindTransient:
		return domainerrors.PlatformTransient(msg).WithCause(err)
	default:
		return domainerrors.Wrap(err, domainerrors.CodeInternal, msg)
	}
}
