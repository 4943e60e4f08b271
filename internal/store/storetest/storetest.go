// Package storetest holds the behavioural suite every store.Store backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

// Factory opens an empty store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the suite against a backend.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("UpsertCreatesThenRefreshes", func(t *testing.T) { testUpsertCreatesThenRefreshes(t, open(t)) })
	t.Run("UpsertClearsLinkState", func(t *testing.T) { testUpsertClearsLinkState(t, open(t)) })
	t.Run("UpsertConcurrentSameEmail", func(t *testing.T) { testUpsertConcurrent(t, open(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, open(t)) })
	t.Run("EmailNormalized", func(t *testing.T) { testEmailNormalized(t, open(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("LinkLifecycle", func(t *testing.T) { testLinkLifecycle(t, open(t)) })
	t.Run("BindAccount", func(t *testing.T) { testBindAccount(t, open(t)) })
	t.Run("Lists", func(t *testing.T) { testLists(t, open(t)) })
	t.Run("Reactivate", func(t *testing.T) { testReactivate(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func upsert(t *testing.T, s store.Store, email string, status domain.Status, now time.Time) *domain.Subscriber {
	t.Helper()
	sub, _, err := s.UpsertOnPayment(context.Background(), store.PaymentUpsert{
		Email:     email,
		Status:    status,
		Now:       now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return sub
}

func bind(t *testing.T, s store.Store, email string, accountID int64) {
	t.Helper()
	_, err := s.BindAccount(context.Background(), store.AccountBinding{
		Email:       email,
		AccountID:   accountID,
		DisplayName: "User",
	})
	require.NoError(t, err)
}

func testUpsertCreatesThenRefreshes(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, created, err := s.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email: "c@d.com", Status: domain.StatusApproved, DisplayName: "Cee",
		Now: base, ExpiresAt: base.Add(720 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusApproved, first.Status)
	assert.Equal(t, "Cee", first.DisplayName)
	assert.True(t, first.ExpiresAt.Equal(base.Add(720*time.Hour)))

	later := base.Add(48 * time.Hour)
	second, created, err := s.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email: "c@d.com", Status: domain.StatusApproved, DisplayName: "Ignored",
		Now: later, ExpiresAt: later.Add(720 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Cee", second.DisplayName)
	assert.True(t, second.JoinedAt.Equal(base))
	assert.True(t, second.ExpiresAt.Equal(later.Add(720*time.Hour)))

	stats, err := s.Stats(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func testUpsertClearsLinkState(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "a@b.com", domain.StatusApproved, base)
	bind(t, s, "a@b.com", 42)
	require.NoError(t, s.SetLink(ctx, "a@b.com", "https://t.me/+one", base))
	require.NoError(t, s.MarkLinkUsed(ctx, 42))

	sub := upsert(t, s, "a@b.com", domain.StatusRevoked, base.Add(time.Hour))
	assert.Equal(t, domain.StatusRevoked, sub.Status)
	assert.Nil(t, sub.InviteLink)
	assert.Nil(t, sub.LinkIssuedAt)
	assert.False(t, sub.LinkUsed)
	assert.Equal(t, int64(42), sub.Account())
}

func testUpsertConcurrent(t *testing.T, s store.Store) {
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := base.Add(time.Duration(i) * time.Minute)
			_, _, err := s.UpsertOnPayment(context.Background(), store.PaymentUpsert{
				Email: "race@x.io", Status: domain.StatusApproved,
				Now: now, ExpiresAt: now.Add(time.Hour),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.Stats(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "a@b.com", domain.StatusExpired, base)

	err := s.CreateSubscriber(ctx, &domain.Subscriber{
		Email:     " A@B.com ",
		Status:    domain.StatusApproved,
		ExpiresAt: base.Add(time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	sub, err := s.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, sub.Status)
}

func testEmailNormalized(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscriber(ctx, &domain.Subscriber{
		Email:     "  Mixed@Example.COM ",
		Status:    domain.StatusApproved,
		ExpiresAt: base.Add(time.Hour),
	}))

	sub, err := s.GetByEmail(ctx, "mixed@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mixed@example.com", sub.Email)
	assert.NotEmpty(t, sub.ID)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetByEmail(ctx, "ghost@x.io")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetByAccountID(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "ghost@x.io", domain.StatusBanned), store.ErrNotFound)
	assert.ErrorIs(t, s.ClearLink(ctx, "ghost@x.io"), store.ErrNotFound)
	assert.ErrorIs(t, s.MarkUnreachable(ctx, 99), store.ErrNotFound)
}

func testLinkLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "a@b.com", domain.StatusApproved, base)
	upsert(t, s, "z@b.com", domain.StatusApproved, base)

	require.NoError(t, s.SetLink(ctx, "a@b.com", "https://t.me/+one", base))
	sub, err := s.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+one", sub.Link())
	require.NotNil(t, sub.LinkIssuedAt)
	assert.True(t, sub.LinkIssuedAt.Equal(base))

	err = s.SetLink(ctx, "z@b.com", "https://t.me/+one", base)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	require.NoError(t, s.SetLink(ctx, "a@b.com", "https://t.me/+two", base.Add(time.Minute)))
	require.NoError(t, s.SetLink(ctx, "z@b.com", "https://t.me/+one", base))

	require.NoError(t, s.ClearLink(ctx, "a@b.com"))
	sub, err = s.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.False(t, sub.HasLink())
	assert.Nil(t, sub.LinkIssuedAt)
}

func testBindAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "a@b.com", domain.StatusApproved, base)
	upsert(t, s, "z@b.com", domain.StatusApproved, base)

	bind(t, s, "a@b.com", 7)
	require.NoError(t, s.MarkUnreachable(ctx, 7))

	sub, err := s.BindAccount(ctx, store.AccountBinding{
		Email: "a@b.com", AccountID: 7, DisplayName: "Ana", Handle: "ana",
	})
	require.NoError(t, err)
	assert.False(t, sub.Unreachable)
	assert.Equal(t, "ana", sub.Handle)

	_, err = s.BindAccount(ctx, store.AccountBinding{Email: "z@b.com", AccountID: 7})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetByAccountID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", got.Email)

	// Rebinding to a new account releases the old one.
	bind(t, s, "a@b.com", 8)
	_, err = s.GetByAccountID(ctx, 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
	bind(t, s, "z@b.com", 7)
}

func testLists(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "old@x.io", domain.StatusApproved, base.Add(-60*24*time.Hour))
	upsert(t, s, "new@x.io", domain.StatusApproved, base)
	upsert(t, s, "gone@x.io", domain.StatusRevoked, base)
	bind(t, s, "new@x.io", 1)
	bind(t, s, "gone@x.io", 2)
	require.NoError(t, s.MarkUnreachable(ctx, 2))

	approved, err := s.ListByStatus(ctx, domain.StatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 2)
	assert.Equal(t, "old@x.io", approved[0].Email)

	expired, err := s.ListExpiredBefore(ctx, base)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old@x.io", expired[0].Email)

	reachable, err := s.ListReachable(ctx)
	require.NoError(t, err)
	require.Len(t, reachable, 1)
	assert.Equal(t, "new@x.io", reachable[0].Email)
}

func testReactivate(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "x@y.com", domain.StatusApproved, base)
	require.NoError(t, s.SetLink(ctx, "x@y.com", "https://t.me/+old", base))
	require.NoError(t, s.SetStatus(ctx, "x@y.com", domain.StatusBanned))

	expiry := base.Add(1000 * time.Hour)
	sub, err := s.Reactivate(ctx, "x@y.com", expiry)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, sub.Status)
	assert.True(t, sub.ExpiresAt.Equal(expiry))
	assert.False(t, sub.HasLink())
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	upsert(t, s, "a@x.io", domain.StatusApproved, base)
	upsert(t, s, "b@x.io", domain.StatusApproved, base.Add(-40*24*time.Hour))
	upsert(t, s, "c@x.io", domain.StatusRevoked, base)
	upsert(t, s, "d@x.io", domain.StatusApproved, base)
	require.NoError(t, s.SetStatus(ctx, "d@x.io", domain.StatusBanned))
	bind(t, s, "a@x.io", 10)
	require.NoError(t, s.MarkUnreachable(ctx, 10))

	stats, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Revoked)
	assert.Equal(t, 1, stats.Banned)
	assert.Equal(t, 1, stats.Unreachable)
	assert.True(t, stats.ComputedAt.Equal(base))
}
