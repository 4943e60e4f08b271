package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

const (
	defaultOnboardingTTL = 30 * time.Minute
	defaultMaxSessions   = 4096
)

// OnboardingStep is the field the dialogue waits for.
type OnboardingStep int

// Onboarding steps.
const (
	StepName OnboardingStep = iota
	StepEmail
)

type onboardingSession struct {
	step   OnboardingStep
	name   string
	handle string
}

// OnboardingResult is the reply to one onboarding message.
type OnboardingResult struct {
	Reply string
	// Link is set when an invite was delivered in Reply.
	Link string
	Done bool
}

// OnboardingConfig holds dialogue settings.
type OnboardingConfig struct {
	SessionTTL  time.Duration
	MaxSessions int
}

// OnboardingService runs the two-step dialogue that binds a platform account
// to a paid email and hands out the invite link. Sessions expire after a
// period of inactivity.
type OnboardingService struct {
	store     store.Store
	invites   *InviteService
	templates *templates.Set
	validator *validation.Validator
	locks     *KeyedMutex
	sessions  *expirable.LRU[int64, *onboardingSession]
	logger    *slog.Logger
	now       func() time.Time
}

// NewOnboardingService creates a new onboarding dialogue.
func NewOnboardingService(
	store store.Store,
	invites *InviteService,
	tmpl *templates.Set,
	locks *KeyedMutex,
	validator *validation.Validator,
	logger *slog.Logger,
	cfg OnboardingConfig,
) *OnboardingService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultOnboardingTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	return &OnboardingService{
		store:     store,
		invites:   invites,
		templates: tmpl,
		validator: validator,
		locks:     locks,
		sessions:  expirable.NewLRU[int64, *onboardingSession](cfg.MaxSessions, nil, cfg.SessionTTL),
		logger:    logger,
		now:       time.Now,
	}
}

// Start opens (or restarts) a session and asks for the name.
func (s *OnboardingService) Start(accountID int64, handle string) OnboardingResult {
	s.sessions.Add(accountID, &onboardingSession{step: StepName, handle: handle})
	return OnboardingResult{Reply: s.templates.MustRender(templates.AskName, templates.Data{})}
}

// Active reports whether accountID has an open session.
func (s *OnboardingService) Active(accountID int64) bool {
	return s.sessions.Contains(accountID)
}

// Cancel drops the session.
func (s *OnboardingService) Cancel(accountID int64) {
	s.sessions.Remove(accountID)
}

// Handle advances the session with one message.
func (s *OnboardingService) Handle(ctx context.Context, accountID int64, text string) OnboardingResult {
	sess, ok := s.sessions.Get(accountID)
	if !ok {
		return OnboardingResult{Reply: s.templates.MustRender(templates.SessionMissing, templates.Data{}), Done: true}
	}
	text = strings.TrimSpace(text)

	switch sess.step {
	case StepName:
		if text == "" {
			return OnboardingResult{Reply: s.templates.MustRender(templates.AskName, templates.Data{})}
		}
		// Re-adding refreshes the inactivity window.
		s.sessions.Add(accountID, &onboardingSession{step: StepEmail, name: text, handle: sess.handle})
		return OnboardingResult{Reply: s.templates.MustRender(templates.AskEmail, templates.Data{Name: text})}

	default:
		email := store.NormalizeEmail(text)
		if err := s.validator.Email("email", email); err != nil {
			s.sessions.Add(accountID, sess)
			return OnboardingResult{Reply: s.templates.MustRender(templates.EmailInvalid, templates.Data{Name: sess.name})}
		}
		s.sessions.Remove(accountID)
		return s.Complete(ctx, accountID, sess.name, sess.handle, email)
	}
}

// Complete binds accountID to email and delivers an invite link. An unused
// link issued within the link lifetime is re-sent instead of rotated.
func (s *OnboardingService) Complete(ctx context.Context, accountID int64, name, handle, email string) OnboardingResult {
	unlock := s.locks.Lock(email)
	defer unlock()

	data := templates.Data{Name: name, Email: email, Account: accountID}
	reply := func(n templates.Name) OnboardingResult {
		return OnboardingResult{Reply: s.templates.MustRender(n, data), Done: true}
	}

	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return reply(templates.EmailUnknown)
		}
		s.logger.Error("onboarding lookup failed", "email", email, "error", err)
		return reply(templates.InviteFailed)
	}
	if sub.Status != domain.StatusApproved {
		return reply(templates.EmailInactive)
	}
	if sub.HasAccount() && sub.Account() != accountID {
		s.logger.Warn("email already bound to another account",
			"email", email,
			"account_id", accountID,
			"bound_account_id", sub.Account(),
		)
		return reply(templates.EmailTaken)
	}

	bound, err := s.store.BindAccount(ctx, store.AccountBinding{
		Email:       email,
		AccountID:   accountID,
		DisplayName: name,
		Handle:      handle,
	})
	if err != nil {
		if store.IsAlreadyExists(err) {
			return reply(templates.EmailTaken)
		}
		s.logger.Error("failed to bind account", "email", email, "account_id", accountID, "error", err)
		return reply(templates.InviteFailed)
	}

	if bound.LinkDeliverable(s.now(), s.invites.TTL()) {
		data.Link = bound.Link()
		res := reply(templates.InviteResent)
		res.Link = data.Link
		return res
	}

	issued := s.invites.Rotate(ctx, bound)
	if !issued.OK() {
		return reply(templates.InviteFailed)
	}
	data.Link = issued.Link
	s.logger.Info("onboarding completed", "email", email, "account_id", accountID)
	res := reply(templates.InviteIssued)
	res.Link = issued.Link
	return res
}
