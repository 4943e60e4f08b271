package bot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform/platformtest"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/sqlite"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

const (
	adminID = int64(9001)
	botID   = int64(1)
)

type fakeSource struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	answers []tgbotapi.CallbackConfig
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeSource) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeSource) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeSource) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answers = append(f.answers, cb)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSource) Answers() []tgbotapi.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.CallbackConfig(nil), f.answers...)
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []*tgbotapi.ChatMemberUpdated
}

func (o *recordingObserver) Observe(u *tgbotapi.ChatMemberUpdated) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, u)
}

type panickingObserver struct{}

func (panickingObserver) Observe(*tgbotapi.ChatMemberUpdated) { panic("boom") }

type fixture struct {
	d        *Dispatcher
	src      *fakeSource
	store    store.Store
	channel  *platformtest.Fake
	observer *recordingObserver
	pauses   int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "bot.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() }) //nolint:errcheck // Test cleanup

	channel := platformtest.New(botID)
	tmpl := templates.Default()
	locks := service.NewKeyedMutex()
	v := validation.New()
	emitter := store.NewNoopEmitter()

	invites := service.NewInviteService(st, channel, logger, time.Hour, 50*time.Millisecond)
	notify := service.NewNotificationService(st, channel, tmpl, nil, nil, emitter, logger, service.NotifyConfig{BatchSize: 50})
	lifecycle := service.NewLifecycleService(st, invites, notify, channel, locks, v, logger, service.LifecycleConfig{
		NotifyScope: service.NotifyScopeSubscriber,
		AdminID:     adminID,
	})
	reconciler := service.NewReconciler(st, channel, tmpl, emitter, logger, adminID)
	admin := service.NewAdminService(st, lifecycle, notify, reconciler, logger, service.AdminConfig{AdminID: adminID})
	onboarding := service.NewOnboardingService(st, invites, tmpl, locks, v, logger, service.OnboardingConfig{})

	f := &fixture{
		src:      newFakeSource(),
		store:    st,
		channel:  channel,
		observer: &recordingObserver{},
	}
	f.d = New(f.src, channel, admin, onboarding, f.observer, tmpl, logger, cfg)
	f.d.pause = func(ctx context.Context, _ time.Duration) error {
		f.pauses++
		return ctx.Err()
	}
	t.Cleanup(f.d.limiter.Stop)
	return f
}

func (f *fixture) seed(t *testing.T, email string, accountID int64, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.store.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email:     email,
		Status:    domain.StatusApproved,
		Now:       expiresAt.Add(-30 * 24 * time.Hour),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	if accountID != 0 {
		_, err = f.store.BindAccount(ctx, store.AccountBinding{Email: email, AccountID: accountID})
		require.NoError(t, err)
	}
}

// replies returns the text of every message sent to accountID.
func (f *fixture) replies(accountID int64) []string {
	var out []string
	for _, s := range f.channel.SentTo(accountID) {
		out = append(out, s.Content.Text)
	}
	return out
}

func (f *fixture) lastReply(t *testing.T, accountID int64) string {
	t.Helper()
	r := f.replies(accountID)
	require.NotEmpty(t, r)
	return r[len(r)-1]
}

func command(from int64, text string) tgbotapi.Update {
	name, _, _ := strings.Cut(text, " ")
	u := message(from, text)
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}}
	return u
}

func message(from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: from, UserName: "user" + strconv.FormatInt(from, 10)},
		Chat: &tgbotapi.Chat{ID: from, Type: "private"},
		Text: text,
	}}
}

func callback(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-" + data,
		From: &tgbotapi.User{ID: from},
		Data: data,
	}}
}

func TestOnboarding_DeliversInvite(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, "buyer@example.com", 0, time.Now().Add(24*time.Hour))
	const user = int64(5001)

	f.d.Handle(ctx, command(user, "/start"))
	assert.Contains(t, f.lastReply(t, user), "What is your name?")

	f.d.Handle(ctx, message(user, "Ana"))
	assert.Contains(t, f.lastReply(t, user), "Hi Ana")

	f.d.Handle(ctx, message(user, "Buyer@Example.com"))
	require.Len(t, f.channel.Created(), 1)
	assert.Contains(t, f.lastReply(t, user), f.channel.Created()[0])

	sub, err := f.store.GetByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, user, sub.Account())
	assert.Equal(t, "user5001", sub.Handle)
}

func TestOnboarding_MessageWithoutSession(t *testing.T) {
	f := newFixture(t, Config{})

	f.d.Handle(context.Background(), message(5002, "hello"))
	assert.Contains(t, f.lastReply(t, 5002), "/start")
}

func TestNonAdmin_AdminCommandRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "a@b.com", 0, time.Now().Add(time.Hour))

	f.d.Handle(context.Background(), command(5003, "/ban a@b.com"))
	assert.Contains(t, f.lastReply(t, 5003), "not allowed")

	sub, err := f.store.GetByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, sub.Status)
}

func TestNonAdmin_RateLimited(t *testing.T) {
	f := newFixture(t, Config{InboundRate: 0.001, InboundBurst: 1})

	f.d.Handle(context.Background(), message(5004, "one"))
	f.d.Handle(context.Background(), message(5004, "two"))
	assert.Len(t, f.replies(5004), 1)
}

func TestAdmin_Search(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, "a@b.com", 77, time.Now().Add(48*time.Hour))

	f.d.Handle(ctx, command(adminID, "/buscar A@B.com"))
	reply := f.lastReply(t, adminID)
	assert.Contains(t, reply, "a@b.com")
	assert.Contains(t, reply, "77")
	assert.Contains(t, reply, string(domain.StatusApproved))

	f.d.Handle(ctx, command(adminID, "/search"))
	assert.Contains(t, f.lastReply(t, adminID), "Usage: /search <email>")

	f.d.Handle(ctx, command(adminID, "/search none@b.com"))
	assert.Contains(t, f.lastReply(t, adminID), "not found")
}

func TestAdmin_BanAndUnban(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, "m@b.com", 88, time.Now().Add(time.Hour))
	f.channel.AddMember(platform.Member{AccountID: 88})

	f.d.Handle(ctx, command(adminID, "/ban m@b.com"))
	assert.Contains(t, f.lastReply(t, adminID), "banned")
	assert.False(t, f.channel.IsMember(88))

	f.d.Handle(ctx, command(adminID, "/unban m@b.com"))
	assert.Contains(t, f.lastReply(t, adminID), "reactivated")

	sub, err := f.store.GetByEmail(ctx, "m@b.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, sub.Status)
	assert.True(t, sub.HasLink())
}

func TestAdmin_AddUserTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.d.Handle(ctx, command(adminID, "/adduser new@b.com"))
	assert.Contains(t, f.lastReply(t, adminID), "new@b.com added")

	f.d.Handle(ctx, command(adminID, "/adduser new@b.com"))
	assert.Contains(t, f.lastReply(t, adminID), "already cadastrado")
}

func TestAdmin_ListIsPaged(t *testing.T) {
	f := newFixture(t, Config{ListPageSize: 2})
	for _, email := range []string{"a@b.com", "b@b.com", "c@b.com"} {
		f.seed(t, email, 0, time.Now().Add(time.Hour))
	}

	f.d.Handle(context.Background(), command(adminID, "/lista"))

	replies := f.replies(adminID)
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0], "page 1/2")
	assert.Contains(t, replies[1], "c@b.com")
	assert.Equal(t, 1, f.pauses)
}

func TestAdmin_ExpiredEmptyAndStats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.d.Handle(ctx, command(adminID, "/expirados"))
	assert.Contains(t, f.lastReply(t, adminID), "none")

	f.seed(t, "old@b.com", 0, time.Now().Add(-time.Hour))
	f.d.Handle(ctx, command(adminID, "/limpar"))
	assert.Contains(t, f.lastReply(t, adminID), "Expired: 1")

	f.d.Handle(ctx, command(adminID, "/stats"))
	assert.Contains(t, f.lastReply(t, adminID), "Total: 1")
}

func TestAdmin_Broadcast(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, "a@b.com", 11, time.Now().Add(time.Hour))
	f.seed(t, "b@b.com", 12, time.Now().Add(time.Hour))

	f.d.Handle(ctx, command(adminID, "/textogeral"))
	f.d.Handle(ctx, message(adminID, "Live at 8pm"))

	for _, id := range []int64{11, 12} {
		sent := f.channel.SentTo(id)
		require.Len(t, sent, 1)
		assert.Equal(t, platform.Text("Live at 8pm"), sent[0].Content)
	}
	assert.Contains(t, f.lastReply(t, adminID), "Delivered: 2")

	// The next plain message is not broadcast again.
	f.d.Handle(ctx, message(adminID, "hello"))
	assert.Len(t, f.channel.SentTo(11), 1)
	assert.Contains(t, f.lastReply(t, adminID), "admin mode")
}

func TestAdmin_BroadcastPhotoAndCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed(t, "a@b.com", 11, time.Now().Add(time.Hour))

	f.d.Handle(ctx, command(adminID, "/broadcast"))
	photo := message(adminID, "")
	photo.Message.Caption = "new cover"
	photo.Message.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	f.d.Handle(ctx, photo)

	sent := f.channel.SentTo(11)
	require.Len(t, sent, 1)
	assert.Equal(t, platform.Content{Kind: platform.ContentPhoto, FileID: "large", Text: "new cover"}, sent[0].Content)

	f.d.Handle(ctx, command(adminID, "/broadcast"))
	f.d.Handle(ctx, command(adminID, "/cancel"))
	assert.Contains(t, f.lastReply(t, adminID), "canceled")
	f.d.Handle(ctx, message(adminID, "should not go out"))
	assert.Len(t, f.channel.SentTo(11), 1)
}

func TestAdmin_CheckAndResolveByCallback(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.d.Handle(ctx, command(adminID, "/check"))
	assert.Contains(t, f.lastReply(t, adminID), "snapshot")

	f.channel.AddMember(platform.Member{AccountID: 301, DisplayName: "Intruder"})
	f.d.Handle(ctx, command(adminID, "/check"))
	assert.Contains(t, f.lastReply(t, adminID), "Queued: 1")
	require.Len(t, f.channel.Prompts(), 1)

	f.d.Handle(ctx, callback(5005, service.CallbackRemove+"301"))
	assert.True(t, f.channel.IsMember(301), "non-admin callbacks are ignored")

	f.d.Handle(ctx, callback(adminID, service.CallbackRemove+"301"))
	assert.False(t, f.channel.IsMember(301))

	answers := f.src.Answers()
	require.Len(t, answers, 2)
	assert.Contains(t, answers[0].Text, "not allowed")
	assert.Contains(t, answers[1].Text, "removed")

	f.d.Handle(ctx, callback(adminID, service.CallbackIgnore+"301"))
	assert.Contains(t, f.src.Answers()[2].Text, "not awaiting")
}

func TestHandle_ForwardsChatMemberUpdates(t *testing.T) {
	f := newFixture(t, Config{})
	update := &tgbotapi.ChatMemberUpdated{Chat: tgbotapi.Chat{ID: -100}}

	f.d.Handle(context.Background(), tgbotapi.Update{ChatMember: update})

	require.Len(t, f.observer.seen, 1)
	assert.Same(t, update, f.observer.seen[0])
}

func TestHandle_RecoversFromPanics(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.observer = panickingObserver{}

	assert.NotPanics(t, func() {
		f.d.Handle(context.Background(), tgbotapi.Update{ChatMember: &tgbotapi.ChatMemberUpdated{}})
	})
}

func TestRun_DispatchesUntilCanceled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	f.src.updates <- message(5006, "hi")
	require.Eventually(t, func() bool { return len(f.replies(5006)) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	f.src.mu.Lock()
	defer f.src.mu.Unlock()
	assert.True(t, f.src.stopped)
}
