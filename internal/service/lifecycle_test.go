package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform/platformtest"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

func TestApplyPayment_PaidTwiceRefreshesSingleRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t0 := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	h.lifecycle.now = fixedClock(t0)
	first, err := h.lifecycle.ApplyPayment(ctx, paid("a@b.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, first.Outcome)
	assert.True(t, first.Created)

	t1 := t0.Add(24 * time.Hour)
	h.lifecycle.now = fixedClock(t1)
	second, err := h.lifecycle.ApplyPayment(ctx, paid("A@B.com "))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Subscriber.ID, second.Subscriber.ID)

	sub := h.get(t, "a@b.com")
	assert.Equal(t, domain.StatusApproved, sub.Status)
	assert.True(t, sub.ExpiresAt.Equal(t1.Add(30*24*time.Hour)), "expiry refreshed from the second payment")

	stats, err := h.store.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestApplyPayment_PaidRevokesOutstandingLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lifecycle.ApplyPayment(ctx, paid("a@b.com"))
	require.NoError(t, err)
	issued := h.invites.Issue(ctx, "a@b.com")
	require.True(t, issued.OK())

	_, err = h.lifecycle.ApplyPayment(ctx, paid("a@b.com"))
	require.NoError(t, err)

	assert.Contains(t, h.channel.Revoked(), issued.Link)
	assert.False(t, h.channel.IsActive(issued.Link))
	sub := h.get(t, "a@b.com")
	assert.Nil(t, sub.InviteLink)
	assert.Nil(t, sub.LinkIssuedAt)
	assert.False(t, sub.LinkUsed)
}

func TestApplyPayment_PaidThenRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lifecycle.ApplyPayment(ctx, paid("c@d.com"))
	require.NoError(t, err)
	require.True(t, h.invites.Issue(ctx, "c@d.com").OK())

	res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "c@d.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevoked, res.Outcome)

	sub := h.get(t, "c@d.com")
	assert.Equal(t, domain.StatusRevoked, sub.Status)
	assert.Nil(t, sub.InviteLink)
	assert.Equal(t, 0, h.channel.ActiveLinks())
}

func TestApplyPayment_RevokingUnknownEmailIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, kind := range []domain.EventKind{
		domain.EventRefunded, domain.EventCanceled, domain.EventChargedBack,
		domain.EventSubscriptionCanceled, domain.EventExpired,
	} {
		res, err := h.lifecycle.ApplyPayment(ctx, event(kind, "ghost@b.com"))
		require.NoError(t, err, kind)
		assert.Equal(t, OutcomeIgnored, res.Outcome, kind)
	}

	_, err := h.store.GetByEmail(ctx, "ghost@b.com")
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, h.channel.Sent())
}

func TestApplyPayment_RevokeRemovesMember(t *testing.T) {
	h := newHarness(t, withScope(NotifyScopeSubscriber))
	ctx := context.Background()
	future := time.Now().Add(10 * 24 * time.Hour)

	h.seed(t, "in@b.com", domain.StatusApproved, 42, future)
	h.seed(t, "out@b.com", domain.StatusApproved, 43, future)
	h.channel.AddMember(platform.Member{AccountID: 42, DisplayName: "In"})

	_, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventChargedBack, "in@b.com"))
	require.NoError(t, err)
	assert.False(t, h.channel.IsMember(42))
	assert.Equal(t, []int64{42}, h.channel.Removed())

	// Not a member: the removal is a no-op and the event still applies.
	_, err = h.lifecycle.ApplyPayment(ctx, event(domain.EventChargedBack, "out@b.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, h.get(t, "out@b.com").Status)

	msgs := h.channel.SentTo(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, h.tmpl.MustRender(templates.ChargedBack, templates.Data{Name: "Sub in@b.com"}), msgs[0].Content.Text)
}

func TestApplyPayment_RefundIsIdempotent(t *testing.T) {
	h := newHarness(t, withScope(NotifyScopeSubscriber))
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 7, time.Now().Add(time.Hour))

	for range 2 {
		res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "a@b.com"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRevoked, res.Outcome)
	}

	sub := h.get(t, "a@b.com")
	assert.Equal(t, domain.StatusRevoked, sub.Status)
	assert.Nil(t, sub.InviteLink)
	// One notification per application.
	assert.Len(t, h.channel.SentTo(7), 2)
}

func TestApplyPayment_StatusScopeNotifiesEveryRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	h.seed(t, "old@b.com", domain.StatusRevoked, 2, future)
	h.seed(t, "new@b.com", domain.StatusApproved, 1, future)
	h.seed(t, "active@b.com", domain.StatusApproved, 3, future)

	res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "new@b.com"))
	require.NoError(t, err)
	require.NotNil(t, res.Delivery)
	assert.Equal(t, 2, res.Delivery.Delivered)

	assert.Len(t, h.channel.SentTo(1), 1)
	assert.Len(t, h.channel.SentTo(2), 1)
	assert.Empty(t, h.channel.SentTo(3))
}

func TestApplyPayment_SubscriberScopeNotifiesOnlyAffected(t *testing.T) {
	h := newHarness(t, withScope(NotifyScopeSubscriber))
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	h.seed(t, "old@b.com", domain.StatusRevoked, 2, future)
	h.seed(t, "new@b.com", domain.StatusApproved, 1, future)

	_, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "new@b.com"))
	require.NoError(t, err)
	assert.Len(t, h.channel.SentTo(1), 1)
	assert.Empty(t, h.channel.SentTo(2))
}

func TestApplyPayment_PermissionFailureAlertsAdmin(t *testing.T) {
	h := newHarness(t, withScope(NotifyScopeSubscriber))
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 5, time.Now().Add(time.Hour))
	h.channel.AddMember(platform.Member{AccountID: 5})
	h.channel.FailRemove(5, platformtest.Permission())

	res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "a@b.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrPlatformPermanent)
	require.NotNil(t, res)
	assert.Equal(t, domain.StatusRevoked, res.Subscriber.Status, "store update still applied")

	assert.Empty(t, h.channel.SentTo(5), "notification skipped")
	alerts := h.channel.SentTo(testAdminID)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Content.Text, "a@b.com")
}

func TestApplyPayment_TransientRemovalDoesNotBlock(t *testing.T) {
	h := newHarness(t, withScope(NotifyScopeSubscriber))
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 5, time.Now().Add(time.Hour))
	h.channel.FailRemove(5, platform.NewError(platform.KindTransient, "remove_member", context.DeadlineExceeded))

	_, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventCanceled, "a@b.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, h.get(t, "a@b.com").Status)
	assert.Len(t, h.channel.SentTo(5), 1)
}

func TestApplyPayment_RenewedNotifiesKnownAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "known@b.com", domain.StatusApproved, 11, time.Now().Add(time.Hour))

	res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRenewed, "known@b.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)
	require.Len(t, h.channel.SentTo(11), 1)

	res, err = h.lifecycle.ApplyPayment(ctx, event(domain.EventRenewed, "unknown@b.com"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Nil(t, res.Delivery)
}

func TestApplyPayment_PaidSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@b.com", domain.StatusExpired, 4, time.Now().Add(-time.Hour))

	_, err := h.lifecycle.ApplyPayment(context.Background(), paid("a@b.com"))
	require.NoError(t, err)
	assert.Empty(t, h.channel.Sent())
	assert.Equal(t, domain.StatusApproved, h.get(t, "a@b.com").Status)
}

func TestApplyPayment_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lifecycle.ApplyPayment(ctx, domain.PaymentEvent{Kind: domain.EventPaid, Email: "  "})
	assert.ErrorIs(t, err, domainerrors.ErrValidation)

	_, err = h.lifecycle.ApplyPayment(ctx, domain.PaymentEvent{Kind: "BOGUS", Email: "a@b.com"})
	assert.ErrorIs(t, err, domainerrors.ErrValidation)

	_, err = h.lifecycle.ApplyPayment(ctx, paid("not an email"))
	var derr *domainerrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, map[string]string{"email": "must be a valid email address"}, derr.Details)

	stats, err := h.store.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestApplyPayment_BannedIsNotReapproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 8, time.Now().Add(time.Hour))
	h.channel.AddMember(platform.Member{AccountID: 8})
	banned, err := h.lifecycle.Ban(ctx, "a@b.com")
	require.NoError(t, err)
	sent := len(h.channel.Sent())

	for _, kind := range []domain.EventKind{domain.EventPaid, domain.EventRenewed} {
		res, err := h.lifecycle.ApplyPayment(ctx, event(kind, "a@b.com"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome, kind)
		assert.False(t, res.Created)
		assert.Nil(t, res.Delivery)
	}

	got := h.get(t, "a@b.com")
	assert.Equal(t, domain.StatusBanned, got.Status)
	assert.True(t, got.ExpiresAt.Equal(banned.ExpiresAt))
	assert.Nil(t, got.InviteLink)
	assert.Zero(t, h.channel.ActiveLinks())
	assert.Len(t, h.channel.Sent(), sent)
}

func TestApplyPayment_RefundKeepsBan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 8, time.Now().Add(time.Hour))
	_, err := h.lifecycle.Ban(ctx, "a@b.com")
	require.NoError(t, err)
	sent := len(h.channel.Sent())

	res, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRefunded, "a@b.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.StatusBanned, h.get(t, "a@b.com").Status)

	// A later payment still cannot lift the ban.
	res, err = h.lifecycle.ApplyPayment(ctx, paid("a@b.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.StatusBanned, h.get(t, "a@b.com").Status)
	assert.Len(t, h.channel.Sent(), sent)

	// Unban is the way back.
	unbanned, err := h.lifecycle.Unban(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, unbanned.Subscriber.Status)
}

func TestApplyPayment_ConcurrentSameEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := h.lifecycle.ApplyPayment(ctx, paid("race@b.com"))
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	stats, err := h.store.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, h.lifecycle.locks.Len())
}

func TestBan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusApproved, 8, time.Now().Add(time.Hour))
	h.channel.AddMember(platform.Member{AccountID: 8})
	link := h.invites.Issue(ctx, "a@b.com").Link
	require.NotEmpty(t, link)

	sub, err := h.lifecycle.Ban(ctx, "A@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBanned, sub.Status)
	assert.Nil(t, sub.InviteLink)
	assert.False(t, h.channel.IsActive(link))
	assert.False(t, h.channel.IsMember(8))

	msgs := h.channel.SentTo(8)
	require.Len(t, msgs, 1)
	assert.Equal(t, h.tmpl.MustRender(templates.Banned, templates.Data{}), msgs[0].Content.Text)
}

func TestBan_WithoutAccount(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	sub, err := h.lifecycle.Ban(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBanned, sub.Status)
	assert.Empty(t, h.channel.Removed())
	assert.Empty(t, h.channel.Sent())
}

func TestBan_UnknownEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.Ban(context.Background(), "nobody@b.com")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestUnban_KnownAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusBanned, 9, time.Now().Add(-time.Hour))

	before := time.Now()
	res, err := h.lifecycle.Unban(ctx, "a@b.com")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApproved, res.Subscriber.Status)
	assert.WithinDuration(t, before.Add(30*24*time.Hour), res.Subscriber.ExpiresAt, time.Second)
	assert.True(t, res.Messaged)
	require.NotEmpty(t, res.Link)
	assert.Equal(t, res.Link, res.Subscriber.Link())
	assert.Equal(t, 1, h.channel.ActiveLinks())

	msgs := h.channel.SentTo(9)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content.Text, res.Link)
}

func TestUnban_UnknownAccountStoresLinkSilently(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@b.com", domain.StatusBanned, 0, time.Now().Add(-time.Hour))

	res, err := h.lifecycle.Unban(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.False(t, res.Messaged)
	assert.NotEmpty(t, res.Subscriber.Link())
	assert.Empty(t, h.channel.Sent())
}

func TestUnban_RotatesExistingLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusBanned, 9, time.Now().Add(-time.Hour))
	old := h.invites.Issue(ctx, "a@b.com").Link

	res, err := h.lifecycle.Unban(ctx, "a@b.com")
	require.NoError(t, err)
	assert.NotEqual(t, old, res.Link)
	assert.False(t, h.channel.IsActive(old))
	assert.Equal(t, 1, h.channel.ActiveLinks())
}

func TestUnban_LinkFailureStillReactivates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@b.com", domain.StatusBanned, 9, time.Now().Add(-time.Hour))
	h.channel.FailCreate(platform.NewError(platform.KindTransient, "create_invite", context.DeadlineExceeded))

	res, err := h.lifecycle.Unban(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Subscriber.Status)
	assert.ErrorIs(t, res.LinkErr, domainerrors.ErrPlatformTransient)
	assert.False(t, res.Messaged)
	assert.Empty(t, h.channel.Sent())
}

func TestUnban_ConcurrentCallsLeaveOneLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "a@b.com", domain.StatusBanned, 9, time.Now().Add(-time.Hour))

	var wg sync.WaitGroup
	for range 6 {
		wg.Go(func() {
			_, err := h.lifecycle.Unban(ctx, "a@b.com")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 1, h.channel.ActiveLinks())
	sub := h.get(t, "a@b.com")
	assert.True(t, h.channel.IsActive(sub.Link()))
}

func TestAddSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.lifecycle.AddSubscriber(ctx, " New@B.com")
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", sub.Email)
	assert.Equal(t, domain.StatusApproved, sub.Status)
	assert.NotEmpty(t, sub.ID)
}

func TestAddSubscriber_ExistingExpiredEmail(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "old@b.com", domain.StatusExpired, 0, time.Now().Add(-time.Hour))

	_, err := h.lifecycle.AddSubscriber(context.Background(), "old@b.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrAlreadyExists)
	assert.Contains(t, err.Error(), "already cadastrado")
	assert.Equal(t, domain.StatusExpired, h.get(t, "old@b.com").Status)
}

func TestAddSubscriber_InvalidEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.AddSubscriber(context.Background(), "not-an-email")
	assert.ErrorIs(t, err, domainerrors.ErrValidation)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seed(t, "a@b.com", domain.StatusApproved, 12, time.Now().Add(-time.Minute))
	h.channel.AddMember(platform.Member{AccountID: 12})
	require.True(t, h.invites.Issue(ctx, "a@b.com").OK())

	expired, err := h.lifecycle.Expire(ctx, sub)
	require.NoError(t, err)
	assert.True(t, expired)

	got := h.get(t, "a@b.com")
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Nil(t, got.InviteLink)
	assert.False(t, h.channel.IsMember(12))
	assert.Equal(t, 0, h.channel.ActiveLinks())
	require.Len(t, h.channel.SentTo(12), 1)
}

func TestExpire_SkipsRenewedSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.seed(t, "a@b.com", domain.StatusApproved, 12, time.Now().Add(-time.Minute))

	_, err := h.lifecycle.ApplyPayment(ctx, event(domain.EventRenewed, "a@b.com"))
	require.NoError(t, err)

	expired, err := h.lifecycle.Expire(ctx, stale)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, domain.StatusApproved, h.get(t, "a@b.com").Status)
}
