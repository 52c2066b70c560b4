package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: time.Second})
	require.NoError(t, err)
	return client
}

func messageEvent(t *testing.T, offset int, text string) model.Event {
	t.Helper()
	event, err := model.NewMessageEvent(model.SourceCustomer, "g::customer", text, time.Now())
	require.NoError(t, err)
	event.Offset = offset
	return *event
}

func TestFetchSortsAndFilters(t *testing.T) {
	var gotQuery, gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("min_offset")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(model.ListEventsResponse{
			Events: []model.Event{
				messageEvent(t, 4, "d"),
				messageEvent(t, 1, "stale"),
				messageEvent(t, 2, "b"),
			},
		})
	})
	client := newTestClient(t, mux)

	events, err := client.Fetch(context.Background(), "s1", 2)
	require.NoError(t, err)

	assert.Equal(t, "2", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Offset)
	assert.Equal(t, 4, events[1].Offset)
}

func TestAppendSendsCustomerMessage(t *testing.T) {
	var got model.AppendEventRequest
	var moderation string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		moderation = r.URL.Query().Get("moderation")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	client := newTestClient(t, mux)

	err := client.Append(context.Background(), "s1", "hello", ModerationAuto)
	require.NoError(t, err)

	assert.Equal(t, "auto", moderation)
	assert.Equal(t, model.EventKindMessage, got.Kind)
	assert.Equal(t, model.SourceCustomer, got.Source)
	assert.Equal(t, "hello", got.Message)
}

func TestDeleteFromPassesOffset(t *testing.T) {
	var gotOffset string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("min_offset")
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux)

	require.NoError(t, client.DeleteFrom(context.Background(), "s1", 7))
	assert.Equal(t, "7", gotOffset)
}

func TestCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req model.CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Session{ID: "new-id", CustomerID: req.CustomerID, AgentID: req.AgentID, Title: req.Title})
	})
	client := newTestClient(t, mux)

	session, err := client.CreateSession(context.Background(), model.DraftSession{CustomerID: "c1", AgentID: "a1", Title: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", session.ID)
	assert.Equal(t, "c1", session.CustomerID)
}

func TestHTTPErrorIsTransportError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"session not found"}`))
	})
	client := newTestClient(t, mux)

	_, err := client.Fetch(context.Background(), "s1", 0)
	require.Error(t, err)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "fetch", terr.Op)
	assert.Equal(t, http.StatusNotFound, terr.StatusCode)
	assert.Contains(t, terr.Error(), "session not found")
}

func TestNetworkErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	err = client.DeleteFrom(context.Background(), "s1", 0)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 0, terr.StatusCode)
}

func TestParseModeration(t *testing.T) {
	m, err := ParseModeration("none")
	require.NoError(t, err)
	assert.Equal(t, ModerationNone, m)

	_, err = ParseModeration("strict")
	assert.Error(t, err)
}
