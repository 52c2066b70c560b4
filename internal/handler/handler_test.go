package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/middleware"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/service"
	"github.com/capitalize-ai/sessionsync/internal/store"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

const testSecret = "handler-test-secret"

type recordingPublisher struct {
	mu       sync.Mutex
	requests []*model.AgentRequest
}

func (p *recordingPublisher) Publish(_ context.Context, req *model.AgentRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

func (p *recordingPublisher) all() []*model.AgentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.AgentRequest(nil), p.requests...)
}

type stubQueue struct{ connected bool }

func (q stubQueue) IsConnected() bool { return q.connected }

type harness struct {
	mr     *miniredis.Miniredis
	router http.Handler
	pub    *recordingPublisher
}

func newHarness(t *testing.T, queue ConnectionChecker) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Nop()
	pub := &recordingPublisher{}
	sessions := service.NewSessionService(st, log)
	events := service.NewEventService(sessions, st, pub, log)

	router := NewRouter(RouterConfig{
		Health:            NewHealthHandler(st, queue),
		Sessions:          NewSessionHandler(sessions, log),
		Events:            NewEventHandler(events, log),
		JWTSecret:         testSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		SessionWriteLimit: 1000,
		Logger:            log,
	})
	return &harness{mr: mr, router: router, pub: pub}
}

func token(t *testing.T, tenant string, scopes ...string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, tenant, "customer-1", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, target, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createSession(t *testing.T, tok string) model.Session {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/sessions", tok, model.CreateSessionRequest{AgentID: "ada", Title: "Billing"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session
}

func customerMessage(text string) model.AppendEventRequest {
	return model.AppendEventRequest{Kind: model.EventKindMessage, Source: model.SourceCustomer, Message: text}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, stubQueue{connected: true})

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	h.mr.Close()
	rec = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestReadyRequiresQueue(t *testing.T) {
	h := newHarness(t, stubQueue{connected: false})

	rec := h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NATS")
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSessionRequiresScope(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/sessions", token(t, "t1"), model.CreateSessionRequest{Title: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "t1", middleware.ScopeSessionsWrite)

	session := h.createSession(t, tok)
	assert.Equal(t, "customer-1", session.CustomerID)
	assert.Equal(t, "t1", session.TenantID)

	rec := h.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/sessions?limit=10", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page model.ListSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	// Other tenants cannot see it.
	rec = h.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID, token(t, "t2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendAndListEvents(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "t1", middleware.ScopeSessionsWrite)
	session := h.createSession(t, tok)
	path := "/api/v1/sessions/" + session.ID + "/events"

	rec := h.do(t, http.MethodPost, path+"?moderation=none", tok, customerMessage("hello"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, path, tok, customerMessage("again"))
	require.Equal(t, http.StatusCreated, rec.Code)

	requests := h.pub.all()
	require.Len(t, requests, 2)
	assert.Equal(t, "none", requests[0].Moderation)
	assert.Equal(t, "auto", requests[1].Moderation)
	assert.Equal(t, 1, requests[1].Offset)

	rec = h.do(t, http.MethodGet, path+"?min_offset=1", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.ListEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, 1, resp.Events[0].Offset)
	assert.Equal(t, 2, resp.NextOffset)
}

func TestAppendRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "t1", middleware.ScopeSessionsWrite)
	session := h.createSession(t, tok)
	path := "/api/v1/sessions/" + session.ID + "/events"

	cases := []struct {
		name   string
		target string
		body   interface{}
	}{
		{"empty message", path, customerMessage("")},
		{"agent source", path, model.AppendEventRequest{Kind: model.EventKindMessage, Source: model.SourceAgent, Message: "hi"}},
		{"unknown moderation", path + "?moderation=strict", customerMessage("hi")},
		{"bad body", path, "not an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tc.target, tok, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, h.pub.all())

	rec := h.do(t, http.MethodGet, path+"?min_offset=-1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteFrom(t *testing.T) {
	h := newHarness(t, nil)
	writer := token(t, "t1", middleware.ScopeSessionsWrite)
	deleter := token(t, "t1", middleware.ScopeSessionsWrite, middleware.ScopeEventsDelete)
	session := h.createSession(t, writer)
	path := "/api/v1/sessions/" + session.ID + "/events"

	for _, text := range []string{"a", "b", "c"} {
		rec := h.do(t, http.MethodPost, path, writer, customerMessage(text))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := h.do(t, http.MethodDelete, path+"?min_offset=1", writer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, path, deleter, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, path+"?min_offset=1", deleter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var del DeleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &del))
	assert.Equal(t, 2, del.Removed)

	rec = h.do(t, http.MethodGet, path, writer, nil)
	var resp model.ListEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 1)
}

func TestEventLogClientAgainstRouter(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	client, err := eventlog.NewClient(eventlog.Config{
		BaseURL: srv.URL,
		Token:   token(t, "t1", middleware.ScopeSessionsWrite, middleware.ScopeEventsDelete),
	})
	require.NoError(t, err)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, model.DraftSession{AgentID: "ada", Title: "Billing"})
	require.NoError(t, err)

	require.NoError(t, client.Append(ctx, session.ID, "first", eventlog.ModerationNone))
	require.NoError(t, client.Append(ctx, session.ID, "second", eventlog.ModerationAuto))

	events, err := client.Fetch(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	text, err := events[1].MessageText()
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	require.NoError(t, client.DeleteFrom(ctx, session.ID, 1))
	events, err = client.Fetch(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	err = client.Append(ctx, "00000000-0000-0000-0000-000000000000", "x", eventlog.ModerationNone)
	var terr *eventlog.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusNotFound, terr.StatusCode)
}
