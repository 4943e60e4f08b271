package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform/platformtest"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/sqlite"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

const (
	testAdminID = int64(999)
	testBotID   = int64(1)
)

type harness struct {
	store      store.Store
	channel    *platformtest.Fake
	tmpl       *templates.Set
	invites    *InviteService
	notify     *NotificationService
	lifecycle  *LifecycleService
	reconciler *Reconciler
	admin      *AdminService
	onboarding *OnboardingService
	pauses     int
}

type harnessOptions struct {
	notifyScope string
	batchSize   int
	sessionTTL  time.Duration
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()

	o := harnessOptions{notifyScope: NotifyScopeStatus, batchSize: 50}
	for _, fn := range opts {
		fn(&o)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() }) //nolint:errcheck // Test cleanup

	h := &harness{
		store:   s,
		channel: platformtest.New(testBotID),
		tmpl:    templates.Default(),
	}
	locks := NewKeyedMutex()
	v := validation.New()

	h.invites = NewInviteService(s, h.channel, logger, time.Hour, 50*time.Millisecond)
	h.notify = NewNotificationService(s, h.channel, h.tmpl, nil, nil, store.NewNoopEmitter(), logger, NotifyConfig{
		BatchSize:  o.batchSize,
		BatchPause: time.Second,
	})
	h.notify.pause = h.countPause
	h.lifecycle = NewLifecycleService(s, h.invites, h.notify, h.channel, locks, v, logger, LifecycleConfig{
		SubscriptionLength: 30 * 24 * time.Hour,
		NotifyScope:        o.notifyScope,
		AdminID:            testAdminID,
	})
	h.reconciler = NewReconciler(s, h.channel, h.tmpl, store.NewNoopEmitter(), logger, testAdminID)
	h.admin = NewAdminService(s, h.lifecycle, h.notify, h.reconciler, logger, AdminConfig{
		AdminID:         testAdminID,
		ClearBatchSize:  2,
		ClearBatchPause: time.Second,
	})
	h.admin.pause = h.countPause
	h.onboarding = NewOnboardingService(s, h.invites, h.tmpl, locks, v, logger, OnboardingConfig{
		SessionTTL: o.sessionTTL,
	})
	return h
}

func (h *harness) countPause(ctx context.Context, _ time.Duration) error {
	h.pauses++
	return ctx.Err()
}

// seed creates a subscriber whose paid period ends at expiresAt.
func (h *harness) seed(t *testing.T, email string, status domain.Status, accountID int64, expiresAt time.Time) *domain.Subscriber {
	t.Helper()
	ctx := context.Background()

	_, _, err := h.store.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email:       email,
		Status:      domain.StatusApproved,
		DisplayName: "Sub " + email,
		Now:         expiresAt.Add(-30 * 24 * time.Hour),
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)

	if accountID != 0 {
		_, err = h.store.BindAccount(ctx, store.AccountBinding{
			Email:       email,
			AccountID:   accountID,
			DisplayName: "Sub " + email,
		})
		require.NoError(t, err)
	}
	if status != domain.StatusApproved {
		require.NoError(t, h.store.SetStatus(ctx, email, status))
	}
	return h.get(t, email)
}

func (h *harness) get(t *testing.T, email string) *domain.Subscriber {
	t.Helper()
	sub, err := h.store.GetByEmail(context.Background(), email)
	require.NoError(t, err)
	return sub
}

func withScope(scope string) func(*harnessOptions) {
	return func(o *harnessOptions) { o.notifyScope = scope }
}

func withBatchSize(n int) func(*harnessOptions) {
	return func(o *harnessOptions) { o.batchSize = n }
}

func withSessionTTL(d time.Duration) func(*harnessOptions) {
	return func(o *harnessOptions) { o.sessionTTL = d }
}

func paid(email string) domain.PaymentEvent {
	return domain.PaymentEvent{Kind: domain.EventPaid, Email: email, RawStatus: "APPROVED", DisplayName: "Buyer"}
}

func event(kind domain.EventKind, email string) domain.PaymentEvent {
	return domain.PaymentEvent{Kind: kind, Email: email, RawStatus: string(kind)}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
