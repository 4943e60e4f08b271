package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/ingress"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform/platformtest"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/sqlite"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

const (
	testAdminID  = int64(4242)
	testBotID    = int64(1)
	testPassword = "correct horse battery staple"
)

// testEnvelope mirrors APIEnvelope with typed data.
type testEnvelope[T any] struct {
	Version int    `json:"v"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// testServer wraps the API server for handler tests.
type testServer struct {
	*Server
	api     humatest.TestAPI
	store   store.Store
	channel *platformtest.Fake
	tokens  *auth.TokenService
}

type testServerOptions struct {
	rateLimit    int
	passwordHash string
}

// setupTestServer creates a test server over a sqlite store and a fake channel.
func setupTestServer(t *testing.T, opts ...func(*testServerOptions)) *testServer {
	t.Helper()

	o := testServerOptions{rateLimit: 1000}
	for _, fn := range opts {
		fn(&o)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() }) //nolint:errcheck // Test cleanup

	key, err := auth.LoadOrGenerateKey(t.TempDir())
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(key, time.Hour)
	require.NoError(t, err)

	sseManager := sse.NewManager(logger)
	channel := platformtest.New(testBotID)
	tmpl := templates.Default()
	locks := service.NewKeyedMutex()
	v := validation.New()

	invites := service.NewInviteService(st, channel, logger, time.Hour, 50*time.Millisecond)
	notify := service.NewNotificationService(st, channel, tmpl, nil, nil, sseManager, logger, service.NotifyConfig{
		BatchSize: 50,
	})
	lifecycle := service.NewLifecycleService(st, invites, notify, channel, locks, v, logger, service.LifecycleConfig{
		NotifyScope: service.NotifyScopeSubscriber,
		AdminID:     testAdminID,
	})
	reconciler := service.NewReconciler(st, channel, tmpl, sseManager, logger, testAdminID)
	admin := service.NewAdminService(st, lifecycle, notify, reconciler, logger, service.AdminConfig{
		AdminID: testAdminID,
	})

	srv := NewServer(st, &Services{
		Lifecycle: lifecycle,
		Admin:     admin,
		Ingress:   ingress.Default(v),
	}, tokens, sseManager, channel, Config{
		WebhookRateLimit:  o.rateLimit,
		AdminPasswordHash: o.passwordHash,
	}, logger)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) }) //nolint:errcheck // Test cleanup

	return &testServer{
		Server:  srv,
		api:     humatest.Wrap(t, srv.API()),
		store:   st,
		channel: channel,
		tokens:  tokens,
	}
}

func withRateLimit(perMinute int) func(*testServerOptions) {
	return func(o *testServerOptions) { o.rateLimit = perMinute }
}

func withPassword(t *testing.T) func(*testServerOptions) {
	t.Helper()
	hash, err := auth.HashPasswordWithParams(testPassword, auth.Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)
	return func(o *testServerOptions) { o.passwordHash = hash }
}

// adminHeader returns an Authorization header for accountID.
func (ts *testServer) adminHeader(t *testing.T, accountID int64) string {
	t.Helper()
	token, _, err := ts.tokens.IssueAdminToken(accountID)
	require.NoError(t, err)
	return "Authorization: Bearer " + token
}

// seed creates an APPROVED subscriber, optionally bound to an account.
func (ts *testServer) seed(t *testing.T, email string, accountID int64, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := ts.store.UpsertOnPayment(ctx, store.PaymentUpsert{
		Email:     email,
		Status:    domain.StatusApproved,
		Now:       expiresAt.Add(-30 * 24 * time.Hour),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	if accountID != 0 {
		_, err = ts.store.BindAccount(ctx, store.AccountBinding{Email: email, AccountID: accountID})
		require.NoError(t, err)
	}
}

func decode[T any](t *testing.T, body []byte) testEnvelope[T] {
	t.Helper()
	var env testEnvelope[T]
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env
}

func decodeError(t *testing.T, body []byte) APIErrorEnvelope {
	t.Helper()
	var env APIErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env
}
