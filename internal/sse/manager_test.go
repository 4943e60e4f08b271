package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_BroadcastFiltersByAdmin(t *testing.T) {
	m := NewManager(testLogger())

	a, err := m.Connect("admin-a")
	require.NoError(t, err)
	b, err := m.Connect("admin-b")
	require.NoError(t, err)
	assert.Equal(t, 2, m.ClientCount())

	evt := NewBroadcastProgressEvent(1, 2)
	evt.AdminID = "admin-a"
	m.broadcast(evt)

	select {
	case got := <-a.EventChan:
		assert.Equal(t, EventBroadcastProgress, got.Type)
	default:
		t.Fatal("admin-a did not receive event")
	}
	select {
	case <-b.EventChan:
		t.Fatal("admin-b received filtered event")
	default:
	}

	m.Disconnect(a.ID)
	m.Disconnect(b.ID)
	assert.Equal(t, 0, m.ClientCount())
}

func TestManager_EmitIgnoresForeignTypes(t *testing.T) {
	m := NewManager(testLogger())
	c, err := m.Connect("admin")
	require.NoError(t, err)

	m.Emit("not an event")
	m.Emit(NewSubscriberUpdatedEvent(&domain.Subscriber{Email: "a@b.co"}, "paid"))
	m.broadcast(<-m.events)

	got := <-c.EventChan
	assert.Equal(t, EventSubscriberUpdated, got.Type)
}

func TestManager_EmitAfterShutdownIsDropped(t *testing.T) {
	m := NewManager(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.NoError(t, m.Shutdown(context.Background()))
	cancel()
	<-done

	assert.NotPanics(t, func() {
		m.Emit(NewHeartbeatEvent())
	})
}

func TestHandler_StreamsEvents(t *testing.T) {
	m := NewManager(testLogger())
	h := NewHandler(m, testLogger(), func(*http.Request) string { return "admin" })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	m.broadcast(NewCandidateQueuedEvent(domain.Candidate{AccountID: 7, DisplayName: "Zed"}, 1))

	// Let the handler drain the client channel before canceling.
	require.Eventually(t, func() bool {
		for c := range m.Clients() {
			return len(c.EventChan) == 0
		}
		return false
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(body, "event: connected"))
	assert.True(t, strings.Contains(body, "event: candidate.queued"))
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	m := NewManager(testLogger())
	h := NewHandler(m, testLogger(), func(*http.Request) string { return "" })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
