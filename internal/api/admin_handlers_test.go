package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

func TestAdmin_RequiresToken(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get(adminPrefix + "/stats")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, string(domainerrors.CodeUnauthorized), decodeError(t, resp.Body.Bytes()).Code)

	resp = ts.api.Get(adminPrefix+"/stats", "Authorization: Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAdmin_RejectsOtherAccounts(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get(adminPrefix+"/stats", ts.adminHeader(t, 777))
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, string(domainerrors.CodeForbidden), decodeError(t, resp.Body.Bytes()).Code)
}

func TestAdmin_GetSubscriber(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)
	ts.seed(t, "a@b.com", 0, time.Now().Add(time.Hour))

	resp := ts.api.Get(adminPrefix+"/subscribers/A@B.com", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	env := decode[domain.Subscriber](t, resp.Body.Bytes())
	assert.Equal(t, "a@b.com", env.Data.Email)

	resp = ts.api.Get(adminPrefix+"/subscribers/none@b.com", auth)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, string(domainerrors.CodeNotFound), decodeError(t, resp.Body.Bytes()).Code)
}

func TestAdmin_AddSubscriber(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)

	resp := ts.api.Post(adminPrefix+"/subscribers", auth, map[string]any{"email": "manual@b.com"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, domain.StatusApproved, decode[domain.Subscriber](t, resp.Body.Bytes()).Data.Status)

	resp = ts.api.Post(adminPrefix+"/subscribers", auth, map[string]any{"email": "manual@b.com"})
	require.Equal(t, http.StatusConflict, resp.Code)
	env := decodeError(t, resp.Body.Bytes())
	assert.Equal(t, string(domainerrors.CodeAlreadyExists), env.Code)
	assert.Contains(t, env.Message, "already cadastrado")

	resp = ts.api.Post(adminPrefix+"/subscribers", auth, map[string]any{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdmin_BanAndUnban(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)
	ts.seed(t, "member@b.com", 321, time.Now().Add(time.Hour))
	ts.channel.AddMember(platform.Member{AccountID: 321})

	resp := ts.api.Post(adminPrefix+"/subscribers/member@b.com/ban", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.StatusBanned, decode[domain.Subscriber](t, resp.Body.Bytes()).Data.Status)
	assert.False(t, ts.channel.IsMember(321))

	resp = ts.api.Post(adminPrefix+"/subscribers/member@b.com/unban", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	env := decode[UnbanResponse](t, resp.Body.Bytes())
	assert.Equal(t, domain.StatusApproved, env.Data.Subscriber.Status)
	assert.NotEmpty(t, env.Data.Link)
	assert.True(t, env.Data.Messaged)
	assert.Empty(t, env.Data.LinkError)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), env.Data.Subscriber.ExpiresAt, 5*time.Second)
}

func TestAdmin_ListSubscribers(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)
	ts.seed(t, "live@b.com", 0, time.Now().Add(time.Hour))
	ts.seed(t, "lapsed@b.com", 0, time.Now().Add(-time.Hour))

	resp := ts.api.Get(adminPrefix+"/subscribers", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	active := decode[SubscriberListResponse](t, resp.Body.Bytes())
	assert.Equal(t, "active", active.Data.View)
	assert.Equal(t, 2, active.Data.Count)

	resp = ts.api.Get(adminPrefix+"/subscribers?view=expired", auth)
	require.Equal(t, http.StatusOK, resp.Code)
	expired := decode[SubscriberListResponse](t, resp.Body.Bytes())
	require.Equal(t, 1, expired.Data.Count)
	assert.Equal(t, "lapsed@b.com", expired.Data.Subscribers[0].Email)

	resp = ts.api.Get(adminPrefix+"/subscribers?view=everyone", auth)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestAdmin_ClearExpiredAndStats(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)
	ts.seed(t, "live@b.com", 0, time.Now().Add(time.Hour))
	ts.seed(t, "lapsed@b.com", 0, time.Now().Add(-time.Hour))

	resp := ts.api.Post(adminPrefix+"/expired/clear", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	report := decode[service.ClearReport](t, resp.Body.Bytes())
	assert.Equal(t, 1, report.Data.Expired)

	resp = ts.api.Get(adminPrefix+"/stats", auth)
	require.Equal(t, http.StatusOK, resp.Code)
	stats := decode[domain.Stats](t, resp.Body.Bytes())
	assert.Equal(t, 2, stats.Data.Total)
	assert.Equal(t, 1, stats.Data.Active)
}

func TestAdmin_Broadcast(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)
	ts.seed(t, "a@b.com", 601, time.Now().Add(time.Hour))
	ts.seed(t, "b@b.com", 602, time.Now().Add(time.Hour))

	resp := ts.api.Post(adminPrefix+"/broadcast", auth, map[string]any{"kind": "text", "text": "hello"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	env := decode[service.DeliveryReport](t, resp.Body.Bytes())
	assert.Equal(t, service.DeliveryReport{Total: 2, Delivered: 2}, env.Data)

	resp = ts.api.Post(adminPrefix+"/broadcast", auth, map[string]any{"kind": "photo"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdmin_CandidateFlow(t *testing.T) {
	ts := setupTestServer(t)
	auth := ts.adminHeader(t, testAdminID)

	resp := ts.api.Post(adminPrefix+"/candidates/check", auth)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.True(t, decode[service.ReconcileReport](t, resp.Body.Bytes()).Data.Seeded)

	ts.channel.AddMember(platform.Member{AccountID: 801, DisplayName: "Intruder"})
	ts.channel.AddMember(platform.Member{AccountID: 802, DisplayName: "Other"})
	resp = ts.api.Post(adminPrefix+"/candidates/check", auth)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.api.Get(adminPrefix+"/candidates", auth)
	require.Equal(t, http.StatusOK, resp.Code)
	pending := decode[CandidatesResponse](t, resp.Body.Bytes())
	require.Len(t, pending.Data.Candidates, 2)
	head := pending.Data.Candidates[0].AccountID
	other := pending.Data.Candidates[1].AccountID

	resp = ts.api.Post(adminPrefix+"/candidates/999999/resolve", auth, map[string]any{"action": "remove"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.api.Post(adminPrefix+"/candidates/"+itoa(head)+"/resolve", auth, map[string]any{"action": "remove"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	res := decode[service.Resolution](t, resp.Body.Bytes())
	assert.Equal(t, service.ActionRemoved, res.Data.Action)
	require.NotNil(t, res.Data.Next)
	assert.Equal(t, other, res.Data.Next.AccountID)
	assert.False(t, ts.channel.IsMember(head))

	resp = ts.api.Post(adminPrefix+"/candidates/"+itoa(other)+"/resolve", auth, map[string]any{"action": "ignore"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, ts.channel.IsMember(other))

	resp = ts.api.Get(adminPrefix+"/candidates", auth)
	assert.Empty(t, decode[CandidatesResponse](t, resp.Body.Bytes()).Data.Candidates)
}

func TestAdmin_EventStreamRequiresAdmin(t *testing.T) {
	ts := setupTestServer(t)

	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, eventsPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := ts.tokens.IssueAdminToken(777)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, eventsPath, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_EventStreamDeliversEvents(t *testing.T) {
	ts := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.sseManager.Start(ctx)

	token, _, err := ts.tokens.IssueAdminToken(testAdminID)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, eventsPath, nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return ts.sseManager.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: connected")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
