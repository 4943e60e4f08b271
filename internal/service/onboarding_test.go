package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

func TestOnboarding_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "buyer@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	res := h.onboarding.Start(2001, "buyer")
	assert.Equal(t, h.tmpl.MustRender(templates.AskName, templates.Data{}), res.Reply)

	res = h.onboarding.Handle(ctx, 2001, "  Maria ")
	assert.Equal(t, h.tmpl.MustRender(templates.AskEmail, templates.Data{Name: "Maria"}), res.Reply)
	assert.False(t, res.Done)

	res = h.onboarding.Handle(ctx, 2001, "Buyer@B.com")
	assert.True(t, res.Done)
	require.NotEmpty(t, res.Link)
	assert.Contains(t, res.Reply, res.Link)
	assert.False(t, h.onboarding.Active(2001))

	sub := h.get(t, "buyer@b.com")
	assert.Equal(t, int64(2001), sub.Account())
	assert.Equal(t, "Maria", sub.DisplayName)
	assert.Equal(t, "buyer", sub.Handle)
	assert.Equal(t, res.Link, sub.Link())
}

func TestOnboarding_InvalidEmailKeepsStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboarding.Start(2002, "")
	h.onboarding.Handle(ctx, 2002, "Jo")

	res := h.onboarding.Handle(ctx, 2002, "not an email")
	assert.False(t, res.Done)
	assert.Equal(t, h.tmpl.MustRender(templates.EmailInvalid, templates.Data{Name: "Jo"}), res.Reply)
	assert.True(t, h.onboarding.Active(2002))
}

func TestOnboarding_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "expired@b.com", domain.StatusExpired, 0, time.Now().Add(-time.Hour))
	h.seed(t, "taken@b.com", domain.StatusApproved, 3000, time.Now().Add(time.Hour))

	tests := []struct {
		email string
		want  templates.Name
	}{
		{"unknown@b.com", templates.EmailUnknown},
		{"expired@b.com", templates.EmailInactive},
		{"taken@b.com", templates.EmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			res := h.onboarding.Complete(ctx, 2003, "Ann", "", tt.email)
			assert.True(t, res.Done)
			assert.Empty(t, res.Link)
			want := h.tmpl.MustRender(tt.want, templates.Data{Name: "Ann", Email: tt.email, Account: 2003})
			assert.Equal(t, want, res.Reply)
		})
	}
	assert.Empty(t, h.channel.Created())
}

func TestOnboarding_AccountBoundElsewhere(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "first@b.com", domain.StatusApproved, 2004, time.Now().Add(time.Hour))
	h.seed(t, "second@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	res := h.onboarding.Complete(context.Background(), 2004, "Ann", "", "second@b.com")
	assert.Equal(t, h.tmpl.MustRender(templates.EmailTaken, templates.Data{}), res.Reply)
	assert.Nil(t, h.get(t, "second@b.com").AccountID)
}

func TestOnboarding_ResendsUnusedLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "buyer@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	first := h.onboarding.Complete(ctx, 2005, "Ann", "", "buyer@b.com")
	require.NotEmpty(t, first.Link)

	second := h.onboarding.Complete(ctx, 2005, "Ann", "", "buyer@b.com")
	assert.Equal(t, first.Link, second.Link)
	assert.Equal(t, h.tmpl.MustRender(templates.InviteResent, templates.Data{Link: first.Link}), second.Reply)
	assert.Len(t, h.channel.Created(), 1)
}

func TestOnboarding_RotatesUsedLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "buyer@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	first := h.onboarding.Complete(ctx, 2006, "Ann", "", "buyer@b.com")
	require.NotEmpty(t, first.Link)
	require.NoError(t, h.store.MarkLinkUsed(ctx, 2006))

	second := h.onboarding.Complete(ctx, 2006, "Ann", "", "buyer@b.com")
	require.NotEmpty(t, second.Link)
	assert.NotEqual(t, first.Link, second.Link)
	assert.Contains(t, h.channel.Revoked(), first.Link)
	assert.Equal(t, 1, h.channel.ActiveLinks())
}

func TestOnboarding_RotatesStaleLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "buyer@b.com", domain.StatusApproved, 0, time.Now().Add(time.Hour))

	first := h.onboarding.Complete(ctx, 2007, "Ann", "", "buyer@b.com")
	require.NotEmpty(t, first.Link)

	h.onboarding.now = fixedClock(time.Now().Add(2 * time.Hour))
	second := h.onboarding.Complete(ctx, 2007, "Ann", "", "buyer@b.com")
	assert.NotEqual(t, first.Link, second.Link)
	assert.Equal(t, 1, h.channel.ActiveLinks())
}

func TestOnboarding_MissingSession(t *testing.T) {
	h := newHarness(t)
	res := h.onboarding.Handle(context.Background(), 2008, "hello")
	assert.True(t, res.Done)
	assert.Equal(t, h.tmpl.MustRender(templates.SessionMissing, templates.Data{}), res.Reply)
}

func TestOnboarding_SessionExpires(t *testing.T) {
	h := newHarness(t, withSessionTTL(50*time.Millisecond))
	h.onboarding.Start(2009, "")
	require.True(t, h.onboarding.Active(2009))

	assert.Eventually(t, func() bool { return !h.onboarding.Active(2009) }, 2*time.Second, 20*time.Millisecond)
	res := h.onboarding.Handle(context.Background(), 2009, "Name")
	assert.Equal(t, h.tmpl.MustRender(templates.SessionMissing, templates.Data{}), res.Reply)
}
